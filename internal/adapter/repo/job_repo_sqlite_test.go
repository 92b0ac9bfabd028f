package repo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/domain"
)

func openTestStore(t *testing.T) *JobRepositorySQLite {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return store
}

func queuedJob(id string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Status:      domain.RunQueued,
		Backend:     "gemini",
		RequestJSON: json.RawMessage(`{"flatlay":"https://example.com/a.jpg"}`),
	}
}

func TestSQLiteCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	job := queuedJob("run-1")
	require.NoError(t, store.Create(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	got, err := store.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, got.Status)
	assert.JSONEq(t, string(job.RequestJSON), string(got.RequestJSON))
	assert.Nil(t, got.ResultJSON)
	assert.Equal(t, job.CreatedAt, got.CreatedAt)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteClaimIsFIFOAndExclusive(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Create(ctx, queuedJob("first")))
	require.NoError(t, store.Create(ctx, queuedJob("second")))

	var (
		mu      sync.Mutex
		claimed []string
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNext(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, job.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"first", "second"}, claimed)

	_, err := store.ClaimNext(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := store.GetByID(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, domain.RunProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestSQLiteClaimOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Create(ctx, queuedJob("a")))
	require.NoError(t, store.Create(ctx, queuedJob("b")))

	job, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, domain.RunProcessing, job.Status)
}

func TestSQLiteFinish(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Create(ctx, queuedJob("run-1")))

	err := store.Finish(ctx, "run-1", domain.JobOutcome{
		Status:       domain.RunFailed,
		Backend:      "seedream",
		ResultJSON:   json.RawMessage(`{"status":"failed"}`),
		StageJSON:    json.RawMessage(`{"background_removal":{}}`),
		ErrorCode:    domain.CodeRateLimited,
		ErrorMessage: "quota",
		FailedStage:  domain.StageRendering,
	})
	require.NoError(t, err)

	got, err := store.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "seedream", got.Backend)
	assert.Equal(t, domain.CodeRateLimited, got.ErrorCode)
	assert.Equal(t, domain.StageRendering, got.FailedStage)
	assert.JSONEq(t, `{"status":"failed"}`, string(got.ResultJSON))
	assert.True(t, got.Finished())
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	assert.ErrorIs(t, store.Finish(ctx, "missing", domain.JobOutcome{Status: domain.RunFailed}), domain.ErrNotFound)
}

func TestSQLiteFinishKeepsBackendWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Create(ctx, queuedJob("run-1")))
	require.NoError(t, store.Finish(ctx, "run-1", domain.JobOutcome{Status: domain.RunCompleted}))

	got, err := store.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Backend)
	assert.NoError(t, store.Ping(ctx))
}

func TestSQLiteClaimOrdersSubSecondStamps(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	// .01 and .011 sort in the wrong order when trailing zeros are trimmed.
	stamps := []time.Time{base.Add(10 * time.Millisecond), base.Add(11 * time.Millisecond)}
	store.now = func() time.Time {
		if len(stamps) == 0 {
			return base.Add(time.Second)
		}
		next := stamps[0]
		stamps = stamps[1:]
		return next
	}
	require.NoError(t, store.Create(ctx, queuedJob("first")))
	require.NoError(t, store.Create(ctx, queuedJob("second")))

	job, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", job.ID)
	assert.Equal(t, base.Add(10*time.Millisecond), job.CreatedAt)

	job, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", job.ID)
}
