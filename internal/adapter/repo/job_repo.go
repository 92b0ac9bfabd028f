package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL through the
// marker-checked SQL runner.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// EnsureSchema creates the tables the service needs when they are missing.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QEnsureGhostSchema); err != nil {
		return fmt.Errorf("repo: ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertGhostRun,
		job.ID,
		string(job.Status),
		job.Backend,
		nullableBytes(job.RequestJSON),
		nullableBytes(job.ResultJSON),
		nullableBytes(job.StageJSON),
		string(job.ErrorCode),
		job.ErrorMessage,
		string(job.FailedStage),
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("repo: insert run: %w", err)
	}
	return nil
}

// ClaimNext takes the oldest queued job with FOR UPDATE SKIP LOCKED.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QClaimGhostRun)
	var (
		job     domain.Job
		status  string
		request []byte
	)
	if err := row.Scan(&job.ID, &status, &job.Backend, &request, &job.Attempts, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: claim run: %w", err)
	}
	job.Status = domain.RunStatus(status)
	job.RequestJSON = json.RawMessage(request)
	return &job, nil
}

// Finish records the terminal state of a job.
func (r *JobRepositoryPG) Finish(ctx context.Context, jobID string, outcome domain.JobOutcome) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QFinishGhostRun,
		jobID,
		string(outcome.Status),
		outcome.Backend,
		nullableBytes(outcome.ResultJSON),
		nullableBytes(outcome.StageJSON),
		string(outcome.ErrorCode),
		outcome.ErrorMessage,
		string(outcome.FailedStage),
	)
	if err != nil {
		return fmt.Errorf("repo: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectGhostRun, jobID)
	var (
		job                     domain.Job
		status, code, stage     string
		request, result, stages []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.Backend,
		&request,
		&result,
		&stages,
		&code,
		&job.ErrorMessage,
		&stage,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: select run: %w", err)
	}
	job.Status = domain.RunStatus(status)
	job.ErrorCode = domain.ErrorCode(code)
	job.FailedStage = domain.Stage(stage)
	job.RequestJSON, job.ResultJSON, job.StageJSON = request, result, stages
	return &job, nil
}

// Ping checks the connection.
func (r *JobRepositoryPG) Ping(ctx context.Context) error {
	var one int
	return r.sql.QueryRow(ctx, sqlinline.QPing).Scan(&one)
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
