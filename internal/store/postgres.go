package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, input_path, output_path, input_digest, webhook_url, created_from, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Status(), job.InputPath, job.OutputPath, job.InputDigest, job.WebhookURL,
		job.CreatedFrom, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("create job %s: duplicate id", job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	where := "TRUE"
	var args []any
	argIdx := 1
	if filter.Status != "" {
		where = fmt.Sprintf("status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.normalize()
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs WHERE %s
		 ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.JobStatusProcessing,
		`progress_step = 1, progress_percent = 0, progress_message = 'Starting', started_at = NOW()`)
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, result models.Result) error {
	b, err := encodeResult(result)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, models.JobStatusCompleted,
		fmt.Sprintf(`result = $4, error_message = NULL, progress_step = %d, progress_percent = 100,
		 progress_message = 'Done', completed_at = NOW()`, models.TotalSteps), b)
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, models.JobStatusFailed,
		`error_message = $4, result = NULL, completed_at = NOW()`, reason)
}

func (s *PostgresStore) ResetProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.JobStatusPending,
		`progress_step = 0, progress_percent = 0, progress_message = '', started_at = NULL`)
}

// transition moves id to target when its current status is an allowed
// source. $1 is the id, $2 the target, $3 the sources; set may reference $4 on.
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, target, set string, extra ...any) error {
	args := append([]any{id, target, sourcesOf(target)}, extra...)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, `+set+`, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`, args...)
	if err != nil {
		return fmt.Errorf("set job %s %s: %w", id, target, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.statusOf(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, p models.Progress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress_step = $2, progress_percent = $3, progress_message = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'
		   AND (progress_step < $2 OR (progress_step = $2 AND progress_percent < $3))`,
		id, p.Step, p.Percent, p.Message)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	_, err = s.statusOf(ctx, id)
	return err
}

func (s *PostgresStore) RecordWebhook(ctx context.Context, id uuid.UUID, d models.WebhookDelivery) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET webhook_sent = $2, webhook_status = $3, webhook_error = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, d.Sent, nullInt(d.Status), nullString(d.Error))
	if err != nil {
		return fmt.Errorf("record webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountInputRefs(ctx context.Context, inputPath string, exclude uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE input_path = $1 AND id <> $2`, inputPath, exclude).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count input references: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) statusOf(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var r jobRow
	if err := row.Scan(&r.ID, &r.Status, &r.InputPath, &r.OutputPath, &r.InputDigest, &r.WebhookURL,
		&r.CreatedFrom, &r.ProgressStep, &r.ProgressPercent, &r.ProgressMessage, &r.Result,
		&r.ErrorMessage, &r.WebhookSent, &r.WebhookStatus, &r.WebhookError,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.toModel()
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
