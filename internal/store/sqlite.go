package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// timeLayout sorts lexically in UTC.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore implements the Store interface on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path. Run
// RunMigrations(DriverSQLite, path) before use.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	var createdFrom any
	if job.CreatedFrom != nil {
		createdFrom = job.CreatedFrom.String()
	}
	_, err := s.exec(ctx,
		`INSERT INTO jobs (id, status, input_path, output_path, input_digest, webhook_url, created_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Status(), job.InputPath, job.OutputPath, job.InputDigest, job.WebhookURL,
		createdFrom, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	where := "1 = 1"
	var args []any
	if filter.Status != "" {
		where = "status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.JobStatusProcessing,
		`progress_step = 1, progress_percent = 0, progress_message = 'Starting', started_at = ?`,
		formatTime(time.Now()))
}

func (s *SQLiteStore) Complete(ctx context.Context, id uuid.UUID, result models.Result) error {
	b, err := encodeResult(result)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, models.JobStatusCompleted,
		`result = ?, error_message = NULL, progress_step = ?, progress_percent = 100,
		 progress_message = 'Done', completed_at = ?`,
		string(b), models.TotalSteps, formatTime(time.Now()))
}

func (s *SQLiteStore) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, models.JobStatusFailed,
		`error_message = ?, result = NULL, completed_at = ?`, reason, formatTime(time.Now()))
}

func (s *SQLiteStore) ResetProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, models.JobStatusPending,
		`progress_step = 0, progress_percent = 0, progress_message = '', started_at = NULL`)
}

// transition mirrors PostgresStore.transition with positional arguments:
// target, set arguments, updated_at, id, then the allowed sources.
func (s *SQLiteStore) transition(ctx context.Context, id uuid.UUID, target, set string, setArgs ...any) error {
	from := sourcesOf(target)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	args := []any{target}
	args = append(args, setArgs...)
	args = append(args, formatTime(time.Now()), id.String())
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, `+set+`, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("set job %s %s: %w", id, target, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.statusOf(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id uuid.UUID, p models.Progress) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET progress_step = ?1, progress_percent = ?2, progress_message = ?3, updated_at = ?4
		 WHERE id = ?5 AND status = 'processing'
		   AND (progress_step < ?1 OR (progress_step = ?1 AND progress_percent < ?2))`,
		p.Step, p.Percent, p.Message, formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	_, err = s.statusOf(ctx, id)
	return err
}

func (s *SQLiteStore) RecordWebhook(ctx context.Context, id uuid.UUID, d models.WebhookDelivery) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET webhook_sent = ?, webhook_status = ?, webhook_error = ?, updated_at = ?
		 WHERE id = ?`,
		d.Sent, nullInt(d.Status), nullString(d.Error), formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("record webhook: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) CountInputRefs(ctx context.Context, inputPath string, exclude uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE input_path = ? AND id <> ?`, inputPath, exclude.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count input references: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *SQLiteStore) statusOf(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		r                          jobRow
		id                         string
		createdFrom, result        sql.NullString
		startedAt, completedAt     sql.NullString
		createdAt, updatedAt       string
		errorMessage, webhookError sql.NullString
		webhookSent                sql.NullBool
		webhookStatus              sql.NullInt64
	)
	if err := row.Scan(&id, &r.Status, &r.InputPath, &r.OutputPath, &r.InputDigest, &r.WebhookURL,
		&createdFrom, &r.ProgressStep, &r.ProgressPercent, &r.ProgressMessage, &result,
		&errorMessage, &webhookSent, &webhookStatus, &webhookError,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if createdFrom.Valid {
		from, err := uuid.Parse(createdFrom.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_from: %w", err)
		}
		r.CreatedFrom = &from
	}
	if result.Valid {
		r.Result = []byte(result.String)
	}
	if errorMessage.Valid {
		r.ErrorMessage = &errorMessage.String
	}
	if webhookSent.Valid {
		r.WebhookSent = &webhookSent.Bool
		status := int(webhookStatus.Int64)
		r.WebhookStatus = &status
		if webhookError.Valid {
			r.WebhookError = &webhookError.String
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return r.toModel()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
