// Package worker drains the ghost run queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/pipeline"
)

const defaultPollInterval = 2 * time.Second

// Runner executes one run under a caller-chosen id.
type Runner interface {
	RunWithID(ctx context.Context, sessionID string, req domain.Request) *pipeline.RunResult
}

type Options struct {
	Jobs         domain.JobRepository
	Pipeline     Runner
	PollInterval time.Duration
	Logger       *infra.Logger
}

// Worker claims queued jobs one at a time and runs them to completion.
type Worker struct {
	jobs     domain.JobRepository
	pipeline Runner
	poll     time.Duration
	logger   *infra.Logger
}

func New(opts Options) (*Worker, error) {
	if opts.Jobs == nil || opts.Pipeline == nil {
		return nil, domain.ConfigError("worker: job repository and pipeline are required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Worker{jobs: opts.Jobs, pipeline: opts.Pipeline, poll: poll, logger: logger}, nil
}

// Run polls until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.poll).Msg("worker: started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("worker: process job failed")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// ProcessNext claims and runs one job. It reports false when the queue was
// empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("worker: claim: %w", err)
	}
	log := w.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()
	log.Info().Msg("worker: picked job")

	req, err := domain.DecodeRequest(job.RequestJSON)
	if err != nil {
		pe := domain.ValidationError(fmt.Errorf("decode stored request: %w", err))
		return true, w.finish(ctx, job.ID, domain.JobOutcome{
			Status:       domain.RunFailed,
			ErrorCode:    pe.Code,
			ErrorMessage: pe.Error(),
		}, &log)
	}

	result := w.pipeline.RunWithID(ctx, job.ID, req)
	outcome, err := result.Outcome()
	if err != nil {
		outcome = domain.JobOutcome{Status: domain.RunFailed, ErrorCode: domain.CodeInternal, ErrorMessage: err.Error()}
	}
	log.Info().
		Str("status", string(outcome.Status)).
		Str("code", string(outcome.ErrorCode)).
		Msg("worker: job finished")
	return true, w.finish(ctx, job.ID, outcome, &log)
}

func (w *Worker) finish(ctx context.Context, jobID string, outcome domain.JobOutcome, log *infra.Logger) error {
	// The run may have ended because ctx did; the status is still written.
	writeCtx := context.WithoutCancel(ctx)
	writeCtx, cancel := context.WithTimeout(writeCtx, 10*time.Second)
	defer cancel()
	if err := w.jobs.Finish(writeCtx, jobID, outcome); err != nil {
		log.Error().Err(err).Msg("worker: update status failed")
		return fmt.Errorf("worker: finish %s: %w", jobID, err)
	}
	return nil
}
