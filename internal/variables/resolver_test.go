package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildit/core/internal/model"
)

func TestExpand_KnownScopesAndKeys(t *testing.T) {
	r := New(map[string]Scope{
		"git": MapScope(map[string]string{
			"sha":    "abc1234def",
			"branch": "main",
		}),
	})

	// spec §8 invariant 8: the canonical example.
	out, warnings, err := r.Expand("build ${git.sha} on ${git.branch}")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "build abc1234def on main", out)
}

func TestExpand_UnknownScope_HardError(t *testing.T) {
	r := New(map[string]Scope{"git": MapScope(nil)})

	_, _, err := r.Expand("${ghost.key}")
	require.Error(t, err)
	var target *UnknownScopeError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "ghost", target.Scope)
}

func TestExpand_UnknownKey_WarnsAndExpandsEmpty(t *testing.T) {
	r := New(map[string]Scope{"env": MapScope(map[string]string{"PATH": "/bin"})})

	out, warnings, err := r.Expand("value=[${env.MISSING}]")
	require.NoError(t, err)
	assert.Equal(t, "value=[]", out)
	require.Len(t, warnings, 1)
	assert.Equal(t, Warning{Scope: "env", Key: "MISSING"}, warnings[0])
}

func TestExpand_DollarDollarNotSpecial(t *testing.T) {
	r := New(map[string]Scope{"env": MapScope(map[string]string{"X": "y"})})

	out, _, err := r.Expand("price is $$5 and ${env.X}")
	require.NoError(t, err)
	assert.Equal(t, "price is $$5 and y", out)
}

func TestExpand_SinglePass_NoReExpansion(t *testing.T) {
	// Substituting a value that itself looks like a token must not trigger a
	// second expansion pass (spec §4.E: "Expansion is single-pass").
	r := New(map[string]Scope{
		"custom": MapScope(map[string]string{"a": "${custom.b}"}),
	})

	out, _, err := r.Expand("${custom.a}")
	require.NoError(t, err)
	assert.Equal(t, "${custom.b}", out)
}

func TestExpand_FirstErrorShortCircuitsFurtherTokens(t *testing.T) {
	r := New(map[string]Scope{"env": MapScope(nil)})

	_, _, err := r.Expand("${ghost.a} ${env.b} ${another.c}")
	require.Error(t, err)
	var target *UnknownScopeError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "ghost", target.Scope)
}

func TestExpandEnv_MergesWarningsAcrossKeys(t *testing.T) {
	r := New(map[string]Scope{"env": MapScope(map[string]string{"A": "1"})})

	out, warnings, err := r.ExpandEnv(map[string]string{
		"FOO": "${env.A}",
		"BAR": "${env.MISSING}",
	})
	require.NoError(t, err)
	assert.Equal(t, "1", out["FOO"])
	assert.Equal(t, "", out["BAR"])
	require.Len(t, warnings, 1)
	assert.Equal(t, "MISSING", warnings[0].Key)
}

func TestExpandEnv_PropagatesError(t *testing.T) {
	r := New(map[string]Scope{"env": MapScope(nil)})

	_, _, err := r.ExpandEnv(map[string]string{"FOO": "${ghost.a}"})
	require.Error(t, err)
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "abc1234", ShortSHA("abc1234def5678"))
	assert.Equal(t, "abc", ShortSHA("abc"))
	assert.Equal(t, "", ShortSHA(""))
}

func TestStandardScopes_AllScopesResolve(t *testing.T) {
	opts := BuildOpts{
		Pipeline:   pipelineFixture(),
		Run:        runFixture(),
		StageName:  "build",
		StageIndex: 2,
		Env:        map[string]string{"FOO": "bar"},
		Custom:     map[string]string{"color": "blue"},
		Secrets:    staticSecrets{"token": "s3cr3t"},
	}
	r := New(StandardScopes(opts))

	cases := map[string]string{
		"${git.sha}":       "abc1234def5678",
		"${git.short_sha}": "abc1234",
		"${git.branch}":    "main",
		"${pipeline.id}":   "pipe-1",
		"${pipeline.name}": "simple-linear",
		"${run.id}":        "run-1",
		"${run.number}":    "7",
		"${stage.name}":    "build",
		"${stage.index}":   "2",
		"${env.FOO}":       "bar",
		"${custom.color}":  "blue",
		"${secrets.token}": "s3cr3t",
	}
	for tmpl, want := range cases {
		out, warnings, err := r.Expand(tmpl)
		require.NoErrorf(t, err, "expanding %q", tmpl)
		assert.Emptyf(t, warnings, "expanding %q", tmpl)
		assert.Equalf(t, want, out, "expanding %q", tmpl)
	}
}

func TestStandardScopes_SecretsNotFoundWarns(t *testing.T) {
	opts := BuildOpts{Run: runFixture(), Secrets: staticSecrets{}}
	r := New(StandardScopes(opts))

	out, warnings, err := r.Expand("${secrets.missing}")
	require.NoError(t, err)
	assert.Equal(t, "", out)
	require.Len(t, warnings, 1)
	assert.Equal(t, "secrets", warnings[0].Scope)
}

type staticSecrets map[string]string

func (s staticSecrets) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

func pipelineFixture() model.Pipeline {
	return model.Pipeline{ID: "pipe-1", Name: "simple-linear"}
}

func runFixture() model.Run {
	return model.Run{
		ID:     "run-1",
		Number: 7,
		Git: model.GitInfo{
			SHA:    "abc1234def5678",
			Branch: "main",
		},
	}
}
