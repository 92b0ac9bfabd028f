package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/pipeline"
)

// Runner executes ghost-mannequin runs.
type Runner interface {
	Run(ctx context.Context, req domain.Request) *pipeline.RunResult
}

// Dependency is one external collaborator reported by /v1/health.
type Dependency struct {
	Name       string
	Configured bool
	// Check probes reachability; nil means the dependency is not probed.
	Check func(ctx context.Context) error
}

type App struct {
	Config       *infra.Config
	Logger       *infra.Logger
	Pipeline     Runner
	Jobs         domain.JobRepository
	Dependencies []Dependency
	NewID        func() string
}

func NewApp(cfg *infra.Config, runner Runner, jobs domain.JobRepository, logger *infra.Logger) *App {
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &App{Config: cfg, Logger: logger, Pipeline: runner, Jobs: jobs, NewID: uuid.NewString}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (a *App) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

func (a *App) logger() *infra.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	discard := infra.Logger(zerolog.New(io.Discard))
	return &discard
}
