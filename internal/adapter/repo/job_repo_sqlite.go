package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/sqlinline"
)

// stampLayout is fixed width so text ordering on created_at matches time order.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// JobRepositorySQLite implements domain.JobRepository on an embedded SQLite
// database for single-node deployments and local runs.
type JobRepositorySQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*JobRepositorySQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	// One connection: writers are serialized and :memory: stays shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqlinline.QSQLiteEnsureGhostSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repo: ensure sqlite schema: %w", err)
	}
	return &JobRepositorySQLite{db: db, now: time.Now}, nil
}

// Close releases the database.
func (r *JobRepositorySQLite) Close() error {
	return r.db.Close()
}

func (r *JobRepositorySQLite) Create(ctx context.Context, job *domain.Job) error {
	now := r.now().UTC()
	stamp := now.Format(stampLayout)
	_, err := r.db.ExecContext(ctx, sqlinline.QSQLiteInsertGhostRun,
		job.ID,
		string(job.Status),
		job.Backend,
		string(job.RequestJSON),
		nullableText(job.ResultJSON),
		nullableText(job.StageJSON),
		string(job.ErrorCode),
		job.ErrorMessage,
		string(job.FailedStage),
		stamp,
		stamp,
	)
	if err != nil {
		return fmt.Errorf("repo: insert run: %w", err)
	}
	job.CreatedAt, job.UpdatedAt = now, now
	return nil
}

func (r *JobRepositorySQLite) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, sqlinline.QSQLiteClaimGhostRun, r.now().UTC().Format(stampLayout))
	var (
		job                  domain.Job
		status, request      string
		createdAt, updatedAt string
	)
	if err := row.Scan(&job.ID, &status, &job.Backend, &request, &job.Attempts, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: claim run: %w", err)
	}
	job.Status = domain.RunStatus(status)
	job.RequestJSON = json.RawMessage(request)
	job.CreatedAt = parseStamp(createdAt)
	job.UpdatedAt = parseStamp(updatedAt)
	return &job, nil
}

func (r *JobRepositorySQLite) Finish(ctx context.Context, jobID string, outcome domain.JobOutcome) error {
	res, err := r.db.ExecContext(ctx, sqlinline.QSQLiteFinishGhostRun,
		string(outcome.Status),
		outcome.Backend,
		nullableText(outcome.ResultJSON),
		nullableText(outcome.StageJSON),
		string(outcome.ErrorCode),
		outcome.ErrorMessage,
		string(outcome.FailedStage),
		r.now().UTC().Format(stampLayout),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("repo: finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositorySQLite) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, sqlinline.QSQLiteSelectGhostRun, jobID)
	var (
		job                  domain.Job
		status, request      string
		result, stages       sql.NullString
		code, stage          string
		createdAt, updatedAt string
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
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: select run: %w", err)
	}
	job.Status = domain.RunStatus(status)
	job.ErrorCode = domain.ErrorCode(code)
	job.FailedStage = domain.Stage(stage)
	job.RequestJSON = json.RawMessage(request)
	if result.Valid {
		job.ResultJSON = json.RawMessage(result.String)
	}
	if stages.Valid {
		job.StageJSON = json.RawMessage(stages.String)
	}
	job.CreatedAt = parseStamp(createdAt)
	job.UpdatedAt = parseStamp(updatedAt)
	return &job, nil
}

func (r *JobRepositorySQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func parseStamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ domain.JobRepository = (*JobRepositorySQLite)(nil)
