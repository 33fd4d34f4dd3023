package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mailburst/mailburst/internal/db"
)

// ErrJobNotFound is returned when a job id matches no row.
var ErrJobNotFound = errors.New("job not found")

// PG is the Postgres-backed queue.
type PG struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPG creates a queue over an existing pool.
func NewPG(database *db.DB, logger *zap.Logger) *PG {
	return &PG{db: database, logger: logger}
}

const jobColumns = `
	id, kind, payload, priority, attempt, max_attempts, status, run_at,
	campaign_id, last_error, created_at, updated_at
`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&j.Status, &j.RunAt, &j.CampaignID, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts one job.
func (q *PG) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}

	query := `
		INSERT INTO jobs (id, kind, payload, priority, attempt, max_attempts, status, run_at, campaign_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := q.db.Pool().QueryRow(ctx, query,
		job.ID, job.Kind, job.Payload, job.Priority, job.Attempt,
		job.MaxAttempts, job.Status, job.RunAt, job.CampaignID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// EnqueueBatch inserts jobs one statement at a time inside a transaction,
// so a campaign's jobs appear all at once or not at all.
func (q *PG) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := q.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.Status == "" {
			job.Status = StatusPending
		}
		if job.RunAt.IsZero() {
			job.RunAt = time.Now()
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, kind, payload, priority, attempt, max_attempts, status, run_at, campaign_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, job.ID, job.Kind, job.Payload, job.Priority, job.Attempt,
			job.MaxAttempts, job.Status, job.RunAt, job.CampaignID)
		if err != nil {
			return fmt.Errorf("insert job in batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue batch: %w", err)
	}
	return nil
}

// Claim atomically takes up to limit runnable jobs of the given kind and
// marks them running. SKIP LOCKED keeps concurrent worker instances from
// ever holding the same job.
func (q *PG) Claim(ctx context.Context, kind string, limit int) ([]*Job, error) {
	query := `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE kind = $2 AND status = $3 AND run_at <= NOW()
			ORDER BY priority, run_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := q.db.Pool().Query(ctx, query, StatusRunning, kind, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}

	return jobs, nil
}

// Complete marks a job done.
func (q *PG) Complete(ctx context.Context, id uuid.UUID) error {
	return q.setStatus(ctx, id, StatusDone, nil)
}

// Fail marks a job terminally failed.
func (q *PG) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	return q.setStatus(ctx, id, StatusFailed, &lastError)
}

// Cancel discards a job that should not run (campaign no longer sending).
func (q *PG) Cancel(ctx context.Context, id uuid.UUID) error {
	return q.setStatus(ctx, id, StatusCancelled, nil)
}

func (q *PG) setStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	result, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = $1, last_error = COALESCE($2, last_error), updated_at = NOW()
		WHERE id = $3
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("set job status %s: %w", status, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// Retry reschedules a running job after a transient failure. The job
// returns to pending with run_at pushed out by delay; the attempt counter
// records the failure that triggered the retry.
func (q *PG) Retry(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, lastError string) error {
	result, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET status = $1, attempt = $2, run_at = NOW() + $3, last_error = $4, updated_at = NOW()
		WHERE id = $5
	`, StatusPending, attempt, delay, lastError, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// CancelByCampaign sweeps all pending jobs for a campaign. Used when a
// campaign is cancelled or archived; paused campaigns keep their jobs and
// rely on the worker-side status check instead.
func (q *PG) CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	result, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND status = $3
	`, StatusCancelled, campaignID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign jobs: %w", err)
	}

	n := result.RowsAffected()
	if n > 0 {
		q.logger.Info("cancelled pending jobs for campaign",
			zap.String("campaign_id", campaignID.String()),
			zap.Int64("count", n),
		)
	}
	return n, nil
}
