package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"ghostmannequin/internal/consolidate"
	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/providers/image"
	"ghostmannequin/internal/qa"
)

// RunError is the caller-visible failure. Stage is empty for requests
// rejected before any stage ran.
type RunError struct {
	Message           string           `json:"message"`
	Code              domain.ErrorCode `json:"code"`
	Stage             domain.Stage     `json:"stage,omitempty"`
	RetryAfterSeconds int              `json:"retryAfterSeconds,omitempty"`
	Retryable         bool             `json:"retryable"`
}

func newRunError(pe *domain.PipelineError) *RunError {
	return &RunError{
		Message:           pe.Error(),
		Code:              pe.Code,
		Stage:             pe.Stage,
		RetryAfterSeconds: int(pe.RetryAfter.Round(time.Second) / time.Second),
		Retryable:         pe.Retryable(),
	}
}

// Timings holds elapsed milliseconds for the run and each completed stage.
type Timings struct {
	TotalMS int64                  `json:"totalMs"`
	Stages  map[domain.Stage]int64 `json:"stagesMs"`
}

// QAReport summarizes the QA stage.
type QAReport struct {
	Pass       bool           `json:"pass"`
	Violations []qa.Violation `json:"violations,omitempty"`
	Iterations int            `json:"iterations"`
	Retries    int            `json:"retries"`
}

// RunResult is produced for every run, successful or not. StageResults
// holds an artifact only for stages that completed.
type RunResult struct {
	SessionID        string               `json:"sessionId"`
	Status           domain.RunStatus     `json:"status"`
	CurrentStage     domain.Stage         `json:"currentStage,omitempty"`
	CleanedImageURL  string               `json:"cleanedImageUrl,omitempty"`
	RenderedImageURL string               `json:"renderedImageUrl,omitempty"`
	Backend          string               `json:"backend,omitempty"`
	FallbackUsed     bool                 `json:"fallbackUsed"`
	Digest           string               `json:"digest,omitempty"`
	QA               *QAReport            `json:"qa,omitempty"`
	Timings          Timings              `json:"timings"`
	Error            *RunError            `json:"error,omitempty"`
	StageResults     map[domain.Stage]any `json:"stageResults,omitempty"`
	StartedAt        time.Time            `json:"startedAt"`
	CompletedAt      time.Time            `json:"completedAt"`
}

// Succeeded reports whether the run completed.
func (r *RunResult) Succeeded() bool {
	return r != nil && r.Status == domain.RunCompleted
}

// BackgroundArtifact is the background removal stage output.
type BackgroundArtifact struct {
	Flatlay        domain.ImageRef  `json:"flatlay"`
	OnModel        *domain.ImageRef `json:"onModel,omitempty"`
	ProcessingTime time.Duration    `json:"processingTime"`
}

// Consolidation is the consolidation stage output common to both variants.
type Consolidation struct {
	Facts     consolidate.ConsolidatedFacts `json:"facts"`
	Control   consolidate.ControlBlock      `json:"control"`
	Conflicts []consolidate.Conflict        `json:"conflicts"`
	Compiled  imagegen.Compiled             `json:"compiled"`
}

// ConsolidationOutcome is either FactsOnly or FactsAndResult.
type ConsolidationOutcome interface {
	consolidation() *Consolidation
}

// FactsOnly leaves rendering to the rendering stage.
type FactsOnly struct {
	Consolidation
}

// FactsAndResult already carries the render, so the rendering stage is
// not executed.
type FactsAndResult struct {
	Consolidation
	Result *image.Result `json:"result"`
}

func (f *FactsOnly) consolidation() *Consolidation      { return &f.Consolidation }
func (f *FactsAndResult) consolidation() *Consolidation { return &f.Consolidation }

// run is the mutable state of one pipeline run. Only the orchestrator
// touches it, from a single goroutine.
type run struct {
	id      string
	current domain.Stage
	results map[domain.Stage]any
	timings map[domain.Stage]time.Duration
	started time.Time
}

func newRun(id string) *run {
	return &run{
		id:      id,
		results: make(map[domain.Stage]any, len(domain.Stages)),
		timings: make(map[domain.Stage]time.Duration, len(domain.Stages)),
		started: time.Now(),
	}
}

// advance moves the run to stage. Stages only move forward.
func (r *run) advance(stage domain.Stage) error {
	if r.current != "" && stage.Index() <= r.current.Index() {
		return fmt.Errorf("pipeline: stage %s cannot follow %s", stage, r.current)
	}
	r.current = stage
	return nil
}

// commit records the output of the current stage, once.
func (r *run) commit(stage domain.Stage, artifact any, elapsed time.Duration) error {
	if stage != r.current {
		return fmt.Errorf("pipeline: commit for %s while running %s", stage, r.current)
	}
	if _, ok := r.results[stage]; ok {
		return fmt.Errorf("pipeline: stage %s already committed", stage)
	}
	r.results[stage] = artifact
	r.timings[stage] = elapsed
	return nil
}

// replaceRendering swaps the rendering output for the render QA accepted.
func (r *run) replaceRendering(res *image.Result) {
	if _, ok := r.results[domain.StageRendering]; ok && res != nil {
		r.results[domain.StageRendering] = res
	}
}

func (r *run) result() *RunResult {
	out := &RunResult{
		SessionID:    r.id,
		CurrentStage: r.current,
		StageResults: make(map[domain.Stage]any, len(r.results)),
		StartedAt:    r.started,
		CompletedAt:  time.Now(),
		Timings:      Timings{Stages: make(map[domain.Stage]int64, len(r.timings))},
	}
	for stage, artifact := range r.results {
		out.StageResults[stage] = artifact
	}
	for stage, d := range r.timings {
		out.Timings.Stages[stage] = d.Milliseconds()
	}
	out.Timings.TotalMS = out.CompletedAt.Sub(r.started).Milliseconds()
	return out
}

// MarshalStageResults encodes stage artifacts for storage.
func MarshalStageResults(results map[domain.Stage]any) (json.RawMessage, error) {
	if len(results) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode stage results: %w", err)
	}
	return raw, nil
}

// Outcome converts the result into the persisted job outcome. Stage
// artifacts are stored apart from the summary.
func (r *RunResult) Outcome() (domain.JobOutcome, error) {
	summary := *r
	summary.StageResults = nil
	raw, err := json.Marshal(summary)
	if err != nil {
		return domain.JobOutcome{}, fmt.Errorf("pipeline: encode result: %w", err)
	}
	stages, err := MarshalStageResults(r.StageResults)
	if err != nil {
		return domain.JobOutcome{}, err
	}
	out := domain.JobOutcome{
		Status:     r.Status,
		Backend:    r.Backend,
		ResultJSON: raw,
		StageJSON:  stages,
	}
	if r.Error != nil {
		out.ErrorCode = r.Error.Code
		out.ErrorMessage = r.Error.Message
		out.FailedStage = r.Error.Stage
	}
	return out, nil
}
