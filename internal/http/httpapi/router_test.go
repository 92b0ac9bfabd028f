package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/http/handlers"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/pipeline"
)

type okRunner struct{ calls int }

func (r *okRunner) Run(ctx context.Context, req domain.Request) *pipeline.RunResult {
	r.calls++
	return &pipeline.RunResult{SessionID: "sess-1", Status: domain.RunCompleted}
}

func newTestRouter(t *testing.T, cfg *infra.Config) (http.Handler, *okRunner) {
	t.Helper()
	runner := &okRunner{}
	app := handlers.NewApp(cfg, runner, nil, nil)
	return NewRouter(app, cfg), runner
}

func TestRouterHealthz(t *testing.T) {
	router, _ := newTestRouter(t, &infra.Config{StorageBackend: "s3"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestRouterRunsSyncGhost(t *testing.T) {
	router, runner := newTestRouter(t, &infra.Config{MaxRequestBytes: 1 << 20})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ghost", strings.NewReader(`{"flatlay":"https://example.com/a.jpg"}`)))
	if rr.Code != http.StatusOK || runner.calls != 1 {
		t.Fatalf("status = %d, calls = %d", rr.Code, runner.calls)
	}
}

func TestRouterBodyLimit(t *testing.T) {
	router, runner := newTestRouter(t, &infra.Config{MaxRequestBytes: 16})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ghost", strings.NewReader(`{"flatlay":"https://example.com/a.jpg"}`)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	if runner.calls != 0 {
		t.Fatalf("runner should not be called")
	}
}

func TestRouterJobsWithoutStore(t *testing.T) {
	router, _ := newTestRouter(t, &infra.Config{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ghost/jobs/abc", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestRouterServesLocalStorage(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "renders"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "renders", "a.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	router, _ := newTestRouter(t, &infra.Config{
		StorageBackend: "fs",
		StoragePath:    dir,
		StorageBaseURL: "http://localhost:8080/files",
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/renders/a.png", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "png" {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
}

func TestStaticPrefix(t *testing.T) {
	tests := map[string]string{
		"":                             "/static/",
		"http://localhost:8080":        "/static/",
		"http://localhost:8080/static": "/static/",
		"https://cdn.example.com/a/b/": "/a/b/",
		"http://localhost:8080/files/": "/files/",
	}
	for in, want := range tests {
		if got := staticPrefix(in); got != want {
			t.Fatalf("staticPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
