package domain

import "context"

// JobRepository persists ghost runs.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	// ClaimNext moves the oldest queued job to processing. It returns
	// ErrNotFound when the queue is empty. Concurrent callers never claim
	// the same job.
	ClaimNext(ctx context.Context) (*Job, error)
	Finish(ctx context.Context, jobID string, outcome JobOutcome) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	Ping(ctx context.Context) error
}
