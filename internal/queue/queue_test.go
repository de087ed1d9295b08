package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildit/core/internal/model"
	"github.com/buildit/core/internal/store"
)

// testQueue opens a Queue against the same schema Store.Migrate applies,
// gated on BUILDIT_TEST_DATABASE_URL for the same reason as
// internal/store's tests: SELECT ... FOR UPDATE SKIP LOCKED has no
// in-process equivalent worth faking, so this exercises the real claim
// semantics against a real Postgres instance instead.
func testQueue(t *testing.T) (*Queue, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("BUILDIT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BUILDIT_TEST_DATABASE_URL not set; skipping Postgres-backed Queue test")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, dsn, nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	pool := st.Pool()

	_, err = pool.Exec(ctx, "DELETE FROM job_queue")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DELETE FROM stage_results")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DELETE FROM runs")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DELETE FROM pipelines")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `INSERT INTO pipelines (id, tenant_id, name, config) VALUES ('p1','t1','p1','{}')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO runs (id, pipeline_id, number, status, created_at) VALUES ('r1','p1',1,'queued', now())`)
	require.NoError(t, err)

	t.Cleanup(st.Close)
	return New(pool), pool
}

func TestClaim_OrdersByPriorityThenCreatedAt(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "r1", "low", 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Enqueue(ctx, "r1", "high", 10)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "high", claimed.StageName)

	claimed, err = q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "low", claimed.StageName)
}

func TestClaim_EmptyQueueReturnsErrEmpty(t *testing.T) {
	q, _ := testQueue(t)
	_, err := q.Claim(context.Background(), "worker-1")
	assert.ErrorIs(t, err, ErrEmpty)
}

// TestClaim_ConcurrentWorkersGetDistinctRows is spec §8 invariant 4: N
// concurrent claimants against M pending rows return exactly min(N, M)
// distinct rows, none claimed twice.
func TestClaim_ConcurrentWorkersGetDistinctRows(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	const numRows = 5
	for i := 0; i < numRows; i++ {
		_, err := q.Enqueue(ctx, "r1", stageName(i), 0)
		require.NoError(t, err)
	}

	const numWorkers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIDs := make(map[string]bool)
	successes := 0

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			entry, err := q.Claim(ctx, "worker-"+string(rune('a'+workerID)))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, claimedIDs[entry.ID], "row %s claimed twice", entry.ID)
			claimedIDs[entry.ID] = true
			successes++
		}(w)
	}
	wg.Wait()

	assert.Equal(t, numRows, successes)
	assert.Len(t, claimedIDs, numRows)
}

func TestReapStalled_RequeuesOldLeasesOnly(t *testing.T) {
	q, pool := testQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "r1", "stale", 0)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	// Backdate the lease past the stall threshold directly, since Claim
	// always stamps claimed_at = now().
	_, err = pool.Exec(ctx, `UPDATE job_queue SET claimed_at = $1 WHERE id = $2`,
		time.Now().Add(-time.Hour), entry.ID)
	require.NoError(t, err)

	fresh, err := q.Enqueue(ctx, "r1", "fresh", 0)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "worker-2")
	require.NoError(t, err)

	runIDs, err := q.ReapStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, runIDs)

	var status model.QueueStatus
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM job_queue WHERE id = $1`, entry.ID).Scan(&status))
	assert.Equal(t, model.QueuePending, status)

	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM job_queue WHERE id = $1`, fresh.ID).Scan(&status))
	assert.Equal(t, model.QueueRunning, status)
}

func TestRetry_ResetsLeaseToPending(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "r1", "retry-me", 0)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, claimed.ID, "transient failure"))

	reclaimed, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, reclaimed.ID)
}

func stageName(i int) string {
	return "stage-" + string(rune('a'+i))
}
