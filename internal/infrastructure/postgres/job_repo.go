package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, name, status, machine_name, scheduled_at, started_at,
	ended_at, progress, result, error, error_details, logs, metadata,
	cron_expression, timezone, next_run, created_at, updated_at`

func (r *JobRepository) Create(ctx context.Context, record *domain.JobRecord) (*domain.JobRecord, error) {
	query := `
		INSERT INTO job_records (
			name, status, machine_name, scheduled_at, progress, result,
			logs, metadata, cron_expression, timezone, next_run
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + jobColumns

	row := r.pool.QueryRow(ctx, query,
		record.Name,
		record.Status,
		record.MachineName,
		record.ScheduledAt,
		record.Progress,
		jsonb(record.Result),
		jsonb(record.Logs),
		jsonb(record.Metadata),
		record.CronExpression,
		record.Timezone,
		record.NextRun,
	)
	return scanJob(row)
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_records WHERE id = $1`, id)
	rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return rec, err
}

func (r *JobRepository) ListJobs(ctx context.Context, input repository.ListJobsInput) ([]*domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM job_records WHERE 1=1`
	args := []any{}

	if input.Name != "" {
		args = append(args, input.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	if input.Status != "" {
		args = append(args, input.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		query += fmt.Sprintf(" AND (scheduled_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY scheduled_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []*domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *JobRepository) FindRunning(ctx context.Context, name string) (*domain.JobRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_records
		WHERE name = $1 AND status = 'running'
		ORDER BY scheduled_at DESC LIMIT 1`, name)
	rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// MarkRunning is a CAS on status: only a scheduled record may start running.
func (r *JobRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time, machineName string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET    status = 'running', started_at = $2, machine_name = $3, updated_at = NOW()
		WHERE  id = $1 AND status = 'scheduled'`, id, startedAt, machineName)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET    status = 'completed', result = $2, progress = 1,
		       ended_at = NOW(), updated_at = NOW()
		WHERE  id = $1 AND status = 'running'`, id, jsonb(result))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, errMsg string, details *domain.ErrorDetails) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET    status = 'failed', error = $2, error_details = $3,
		       ended_at = NOW(), updated_at = NOW()
		WHERE  id = $1 AND status IN ('running', 'scheduled')`,
		id, errMsg, jsonb(details))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *JobRepository) ForceStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET    status = $2, error = NULLIF($3, ''), ended_at = NOW(), updated_at = NOW()
		WHERE  id = $1`, id, status, errMsg)
	return err
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 || progress > 1 {
		return domain.ErrInvalidProgress
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE job_records SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, progress)
	return err
}

// AppendLogs appends and trims from the head in one statement so the bound
// holds even under concurrent appends.
func (r *JobRepository) AppendLogs(ctx context.Context, id string, logs []domain.JobLog, maxLogs int) error {
	if len(logs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET logs = (
			SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb) FROM (
				SELECT elem, ord FROM jsonb_array_elements(logs || $2::jsonb)
				WITH ORDINALITY AS t(elem, ord)
				ORDER BY ord DESC LIMIT $3
			) tail
		),
		updated_at = NOW()
		WHERE id = $1`, id, jsonb(logs), maxLogs)
	return err
}

func (r *JobRepository) FailAllRunning(ctx context.Context, marker string) (int, error) {
	details := jsonb(&domain.ErrorDetails{
		Message:   marker,
		Code:      "EMERGENCY",
		Timestamp: time.Now(),
	})
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET    status = 'failed', error = $1, error_details = $2,
		       ended_at = NOW(), updated_at = NOW()
		WHERE  status = 'running'`, marker, details)
	if err != nil {
		return 0, fmt.Errorf("fail all running: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteTerminalOlderThan deletes terminal records past cutoff while always
// retaining the keepPerName most recent records per job name.
func (r *JobRepository) DeleteTerminalOlderThan(ctx context.Context, status domain.JobStatus, cutoff time.Time, keepPerName int) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM job_records WHERE id IN (
			SELECT id FROM (
				SELECT id, ended_at,
				       ROW_NUMBER() OVER (PARTITION BY name ORDER BY ended_at DESC) AS rn
				FROM job_records
				WHERE status = $1 AND ended_at IS NOT NULL
			) ranked
			WHERE rn > $2 AND ended_at < $3
		)`, status, keepPerName, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old %s jobs: %w", status, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepository) TrimLogs(ctx context.Context, maxLogs int) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE job_records
		SET logs = (
			SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb) FROM (
				SELECT elem, ord FROM jsonb_array_elements(logs)
				WITH ORDINALITY AS t(elem, ord)
				ORDER BY ord DESC LIMIT $1
			) tail
		),
		updated_at = NOW()
		WHERE jsonb_array_length(logs) > $1`, maxLogs)
	if err != nil {
		return 0, fmt.Errorf("trim logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteOldestTerminal drops the oldest completed/failed records by ended_at
// until at most keep remain in total. Running and scheduled records are
// never touched.
func (r *JobRepository) DeleteOldestTerminal(ctx context.Context, keep int) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM job_records WHERE id IN (
			SELECT id FROM job_records
			WHERE status IN ('completed', 'failed')
			ORDER BY ended_at ASC NULLS FIRST
			LIMIT GREATEST(0, (SELECT COUNT(*) FROM job_records) - $1)
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("delete oldest terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepository) Stats(ctx context.Context) (*repository.JobStats, error) {
	stats := &repository.JobStats{ByStatus: make(map[domain.JobStatus]int)}

	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM job_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(jsonb_array_length(logs)), 0),
		        COALESCE(MAX(jsonb_array_length(logs)), 0),
		        MIN(created_at)
		FROM job_records`).Scan(&stats.AvgLogs, &stats.MaxLogs, &oldest)
	if err != nil {
		return nil, fmt.Errorf("job log stats: %w", err)
	}
	if oldest != nil {
		stats.OldestAge = time.Since(*oldest)
	}
	return stats, nil
}

// jsonb marshals v for a jsonb column; nil maps marshal as SQL NULL.
func jsonb(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.JobRecord, error) {
	var rec domain.JobRecord
	var result, errorDetails, logs, metadata []byte

	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Status,
		&rec.MachineName,
		&rec.ScheduledAt,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Progress,
		&result,
		&rec.Error,
		&errorDetails,
		&logs,
		&metadata,
		&rec.CronExpression,
		&rec.Timezone,
		&rec.NextRun,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(result) > 0 {
		_ = json.Unmarshal(result, &rec.Result)
	}
	if len(errorDetails) > 0 {
		_ = json.Unmarshal(errorDetails, &rec.ErrorDetails)
	}
	if len(logs) > 0 {
		_ = json.Unmarshal(logs, &rec.Logs)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &rec.Metadata)
	}
	return &rec, nil
}
