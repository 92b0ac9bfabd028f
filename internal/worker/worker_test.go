package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostmannequin/internal/adapter/repo"
	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/pipeline"
)

type stubRunner struct {
	ids      []string
	requests []domain.Request
	result   func(id string) *pipeline.RunResult
}

func (s *stubRunner) RunWithID(ctx context.Context, id string, req domain.Request) *pipeline.RunResult {
	s.ids = append(s.ids, id)
	s.requests = append(s.requests, req)
	return s.result(id)
}

func enqueue(t *testing.T, jobs domain.JobRepository, id string, req domain.Request) {
	t.Helper()
	raw, err := domain.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, jobs.Create(context.Background(), &domain.Job{ID: id, Status: domain.RunQueued, RequestJSON: raw}))
}

func newStore(t *testing.T) *repo.JobRepositorySQLite {
	t.Helper()
	store, err := repo.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestProcessNextRunsAndFinishes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	enqueue(t, store, "job-1", domain.Request{
		Flatlay: domain.ImageRef{Data: []byte{1, 2, 3}, MIME: "image/png"},
		Options: domain.Options{RenderingBackend: "qwen", PreserveLabels: true},
	})
	runner := &stubRunner{result: func(id string) *pipeline.RunResult {
		return &pipeline.RunResult{
			SessionID:        id,
			Status:           domain.RunCompleted,
			Backend:          "qwen",
			RenderedImageURL: "https://cdn.example.com/x.png",
			StageResults:     map[domain.Stage]any{domain.StageRendering: map[string]string{"backend": "qwen"}},
		}
	}}
	w, err := New(Options{Jobs: store, Pipeline: runner})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	require.Equal(t, []string{"job-1"}, runner.ids)
	assert.Equal(t, []byte{1, 2, 3}, runner.requests[0].Flatlay.Data)
	assert.True(t, runner.requests[0].Options.PreserveLabels)

	job, err := store.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, job.Status)
	assert.Equal(t, "qwen", job.Backend)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(job.ResultJSON, &summary))
	assert.Equal(t, "https://cdn.example.com/x.png", summary["renderedImageUrl"])
	assert.Contains(t, string(job.StageJSON), "rendering")

	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	enqueue(t, store, "job-1", domain.Request{Flatlay: domain.ImageRef{URL: "https://example.com/a.jpg"}})
	runner := &stubRunner{result: func(id string) *pipeline.RunResult {
		return &pipeline.RunResult{
			SessionID: id,
			Status:    domain.RunFailed,
			Error:     &pipeline.RunError{Code: domain.CodeStageTimeout, Stage: domain.StageRendering, Message: "stage exceeded 3m0s"},
		}
	}}
	w, err := New(Options{Jobs: store, Pipeline: runner})
	require.NoError(t, err)

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.jpg", runner.requests[0].Flatlay.URL)

	job, err := store.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, job.Status)
	assert.Equal(t, domain.CodeStageTimeout, job.ErrorCode)
	assert.Equal(t, domain.StageRendering, job.FailedStage)
}

func TestProcessNextRejectsCorruptRequest(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Create(ctx, &domain.Job{ID: "job-1", Status: domain.RunQueued, RequestJSON: json.RawMessage(`{"flatlay":"%%%"}`)}))
	runner := &stubRunner{}
	w, err := New(Options{Jobs: store, Pipeline: runner})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, runner.ids)

	job, err := store.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, job.Status)
	assert.Equal(t, domain.CodeValidation, job.ErrorCode)
}

func TestRunStopsWithContext(t *testing.T) {
	store := newStore(t)
	w, err := New(Options{Jobs: store, Pipeline: &stubRunner{}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	var pe *domain.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.CodeConfig, pe.Code)
}
