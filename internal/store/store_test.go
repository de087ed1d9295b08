package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildit/core/internal/model"
)

// testStore opens a Store against BUILDIT_TEST_DATABASE_URL, applies the
// schema, and truncates every table so tests start clean. Unlike the
// teacher's db_test.go (which opens a throwaway ":memory:" SQLite handle per
// test), a Postgres-backed Store has no in-process equivalent, so these
// tests are integration tests gated on a real database being reachable —
// skipped rather than faked when one isn't configured, per spec §9's own
// design note that Store/Queue correctness is otherwise exercised through
// the orchestrator's in-memory fakes (see internal/orchestrator's tests).
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BUILDIT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BUILDIT_TEST_DATABASE_URL not set; skipping Postgres-backed Store test")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	for _, table := range []string{"log_lines", "job_queue", "stage_results", "runs", "pipelines"} {
		_, err := s.pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}

	t.Cleanup(s.Close)
	return s
}

func TestCreatePipeline_UniqueViolationIsReported(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := model.Pipeline{TenantID: "t1", Name: "simple-linear", Config: model.PipelineConfig{
		Stages: []model.Stage{{Name: "checkout"}},
	}}
	_, err := s.CreatePipeline(ctx, p)
	require.NoError(t, err)

	_, err = s.CreatePipeline(ctx, p)
	assert.Error(t, err)
}

func TestCreateRun_NumbersAreSequentialPerPipeline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreatePipeline(ctx, model.Pipeline{TenantID: "t1", Name: "p"})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		run, err := s.CreateRun(ctx, model.Run{PipelineID: p.ID, Status: model.RunQueued, CreatedAt: time.Now()}, []string{"checkout"})
		require.NoError(t, err)
		assert.Equal(t, want, run.Number)
	}
}

func TestCreateRun_StagesStartPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreatePipeline(ctx, model.Pipeline{TenantID: "t1", Name: "p"})
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, model.Run{PipelineID: p.ID, Status: model.RunQueued, CreatedAt: time.Now()},
		[]string{"checkout", "build"})
	require.NoError(t, err)

	results, err := s.GetStageResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.StagePending, r.Status)
	}
}

func TestFinishRun_RejectsNonTerminalStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreatePipeline(ctx, model.Pipeline{TenantID: "t1", Name: "p"})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, model.Run{PipelineID: p.ID, Status: model.RunQueued, CreatedAt: time.Now()}, nil)
	require.NoError(t, err)

	err = s.FinishRun(ctx, run.ID, model.RunRunning, time.Now())
	assert.Error(t, err)
}

func TestRequestCancel_IdempotentOnTerminalRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreatePipeline(ctx, model.Pipeline{TenantID: "t1", Name: "p"})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, model.Run{PipelineID: p.ID, Status: model.RunQueued, CreatedAt: time.Now()}, []string{"checkout"})
	require.NoError(t, err)

	require.NoError(t, s.StartRun(ctx, run.ID, time.Now()))
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunSucceeded, time.Now()))

	require.NoError(t, s.RequestCancel(ctx, run.ID, time.Now()))
	require.NoError(t, s.RequestCancel(ctx, run.ID, time.Now()))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, got.Status)
}

func TestAppendAndListLogLines_PreservesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.CreatePipeline(ctx, model.Pipeline{TenantID: "t1", Name: "p"})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, model.Run{PipelineID: p.ID, Status: model.RunQueued, CreatedAt: time.Now()}, []string{"build"})
	require.NoError(t, err)

	now := time.Now()
	for i, content := range []string{"line1", "line2", "line3"} {
		require.NoError(t, s.AppendLogLine(ctx, model.LogLine{
			RunID: run.ID, StageName: "build", Timestamp: now.Add(time.Duration(i) * time.Millisecond),
			Stream: model.StreamStdout, Content: content,
		}))
	}

	lines, err := s.ListLogLines(ctx, run.ID, "build")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"line1", "line2", "line3"}, []string{lines[0].Content, lines[1].Content, lines[2].Content})
}
