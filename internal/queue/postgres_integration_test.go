//go:build integration

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/db/dbtest"
	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestPostgresQueue_Integration(t *testing.T) {
	pool := dbtest.Postgres(t)
	q := NewPostgres(pool)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueRequest{Kind: model.JobHeadRefreshBulk, IdempotencyKey: "K"})
	require.NoError(t, err)
	again, err := q.Enqueue(ctx, EnqueueRequest{Kind: model.JobHeadRefreshBulk, IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, first.JobID, again.JobID)

	for i := 0; i < 9; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{Kind: model.JobHeadRefreshOne})
		require.NoError(t, err)
	}

	const workers = 16
	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.ClaimNext(ctx, "w")
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed twice", id)
	}

	job, err := q.Get(ctx, first.JobID)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailure(ctx, job.ID, "boom", job.Attempts, job.MaxAttempts))
	job, err = q.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.RunAfter, 10*time.Second)

	// Every remaining running job has a fresh lock.
	res, err := q.ReapStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued+res.Failed)
}
