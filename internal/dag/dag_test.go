package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildit/core/internal/model"
)

func stage(name string, deps ...string) model.Stage {
	return model.Stage{Name: name, DependsOn: deps}
}

func TestBuild_ValidationOrder(t *testing.T) {
	t.Run("duplicate name wins over unknown dependency", func(t *testing.T) {
		_, err := Build([]model.Stage{stage("a"), stage("a"), stage("b", "nope")})
		require.Error(t, err)
		var target *DuplicateStageError
		assert.ErrorAs(t, err, &target)
	})

	t.Run("unknown dependency wins over cycle", func(t *testing.T) {
		_, err := Build([]model.Stage{stage("a", "b"), stage("b", "a", "ghost")})
		require.Error(t, err)
		var target *UnknownDependencyError
		assert.ErrorAs(t, err, &target)
	})

	t.Run("two-cycle detected", func(t *testing.T) {
		_, err := Build([]model.Stage{stage("a", "b"), stage("b", "a")})
		require.Error(t, err)
		var target *CycleError
		assert.ErrorAs(t, err, &target)
	})
}

func TestBuild_TopologicalOrder_LexicographicTieBreak(t *testing.T) {
	// checkout -> {lint, unit-test, integration-test, security-scan} -> report
	// spec §4.F: "tie-break: lexicographic by stage name" among the four
	// stages that all become ready at once.
	plan, err := Build([]model.Stage{
		stage("checkout"),
		stage("unit-test", "checkout"),
		stage("security-scan", "checkout"),
		stage("lint", "checkout"),
		stage("integration-test", "checkout"),
		stage("report", "lint", "unit-test", "integration-test", "security-scan"),
	})
	require.NoError(t, err)

	order := plan.TopologicalOrder()
	assert.Equal(t, []string{
		"checkout", "integration-test", "lint", "security-scan", "unit-test", "report",
	}, order)
}

func TestPlan_DependenciesAndDependents(t *testing.T) {
	plan, err := Build([]model.Stage{
		stage("checkout"),
		stage("build", "checkout"),
		stage("test", "build"),
		stage("deploy", "test"),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"checkout"}, plan.DependenciesOf("build"))
	assert.ElementsMatch(t, []string{"build"}, plan.DependenciesOf("test"))
	assert.Empty(t, plan.DependenciesOf("checkout"))

	assert.ElementsMatch(t, []string{"build"}, plan.DependentsOf("checkout"))
	assert.Empty(t, plan.DependentsOf("deploy"))
}

func TestPlan_TransitiveDependents(t *testing.T) {
	// checkout -> {node-18, node-20, node-22} -> publish (scenario S3)
	plan, err := Build([]model.Stage{
		stage("checkout"),
		stage("node-18", "checkout"),
		stage("node-20", "checkout"),
		stage("node-22", "checkout"),
		stage("publish", "node-18", "node-20", "node-22"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"publish"}, plan.TransitiveDependents("node-22"))
	assert.ElementsMatch(t, []string{"node-18", "node-20", "node-22", "publish"},
		plan.TransitiveDependents("checkout"))
	assert.Empty(t, plan.TransitiveDependents("publish"))
}

func TestPlan_Ready(t *testing.T) {
	plan, err := Build([]model.Stage{
		stage("checkout"),
		stage("build", "checkout"),
		stage("test", "build"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"checkout"}, plan.Ready(nil, nil))

	succeeded := map[string]bool{"checkout": true}
	completed := map[string]bool{"checkout": true}
	assert.Equal(t, []string{"build"}, plan.Ready(succeeded, completed))

	// A dependency that is completed but failed (not succeeded) never
	// unblocks its dependent (spec §4.F: "all in completed_set ∩ succeeded").
	failedOnly := map[string]bool{"checkout": true}
	assert.Empty(t, plan.Ready(nil, failedOnly))

	succeeded["build"] = true
	completed["build"] = true
	assert.Equal(t, []string{"test"}, plan.Ready(succeeded, completed))

	completed["test"] = true
	assert.Empty(t, plan.Ready(succeeded, completed))
}

func TestPlan_IndexOf(t *testing.T) {
	plan, err := Build([]model.Stage{stage("a"), stage("b", "a")})
	require.NoError(t, err)

	assert.Equal(t, 0, plan.IndexOf("a"))
	assert.Equal(t, 1, plan.IndexOf("b"))
}
