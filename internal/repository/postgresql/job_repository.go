package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotFailed = errors.New("job is not in failed state")
)

const (
	DefaultMaxAttempts  = 3
	DefaultReclaimAfter = 5 * time.Minute
)

const jobColumns = `id, kind, payload, idempotency_key, status, attempts, locked_at, locked_by, last_error, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Options struct {
	// MaxAttempts is the claim ceiling; a failure at this many attempts is terminal.
	MaxAttempts int
	// ReclaimAfter is the age at which a claim is considered abandoned.
	ReclaimAfter time.Duration
	// WorkerID is written to locked_by on claim.
	WorkerID string
}

// JobRepository is the table-backed queue. Claims use FOR UPDATE SKIP LOCKED so
// any number of pollers can share the table; the row lock is released at commit,
// before the handler runs. attempts is owned here, not by the worker loop.
type JobRepository struct {
	pool *pgxpool.Pool
	opts Options
}

func NewJobRepository(pool *pgxpool.Pool, opts Options) *JobRepository {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = DefaultReclaimAfter
	}
	return &JobRepository{pool: pool, opts: opts}
}

var (
	_ service.Queue    = (*JobRepository)(nil)
	_ service.Releaser = (*JobRepository)(nil)
)

func (r *JobRepository) MaxAttempts() int { return r.opts.MaxAttempts }

// Enqueue inserts a pending job. Re-enqueueing the same (kind, idempotency key)
// returns the existing id.
func (r *JobRepository) Enqueue(ctx context.Context, kind string, payload entity.Payload, idempotencyKey string) (int64, error) {
	raw, err := entity.Envelope{Payload: payload}.MarshalPayload()
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	const q = `
INSERT INTO jobs (kind, payload, idempotency_key)
VALUES ($1, $2, NULLIF($3, ''))
ON CONFLICT (kind, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING id;
`
	var id int64
	err = r.pool.QueryRow(ctx, q, kind, raw, idempotencyKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	const existing = `SELECT id FROM jobs WHERE kind = $1 AND idempotency_key = $2;`
	if err := r.pool.QueryRow(ctx, existing, kind, idempotencyKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup deduplicated job: %w", err)
	}
	return id, nil
}

// Next claims the oldest eligible job of kind. Returns (nil, nil) when none qualifies.
func (r *JobRepository) Next(ctx context.Context, kind string) (*entity.Job, error) {
	return r.Claim(ctx, kind)
}

// Claim selects and marks one job in a single transaction:
// status=processing, locked_at=now(), attempts+1.
func (r *JobRepository) Claim(ctx context.Context, kind string) (*entity.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const sel = `
SELECT id
FROM jobs
WHERE kind = $1
  AND attempts < $2
  AND (
        (status = 'pending' AND (locked_at IS NULL OR locked_at < now() - make_interval(secs => $3)))
     OR (status = 'processing' AND locked_at < now() - make_interval(secs => $3))
  )
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED;
`
	var id int64
	if err := tx.QueryRow(ctx, sel, kind, r.opts.MaxAttempts, r.opts.ReclaimAfter.Seconds()).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	upd := `
UPDATE jobs
SET status = 'processing',
    locked_at = now(),
    locked_by = NULLIF($2, ''),
    attempts = attempts + 1,
    updated_at = now()
WHERE id = $1
RETURNING ` + jobColumns + `;`
	job, err := scanJob(tx.QueryRow(ctx, upd, id, r.opts.WorkerID))
	if err != nil {
		return nil, fmt.Errorf("mark job %d processing: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// Ack marks the job completed whatever claim holds it. Jobs that are already
// terminal or unknown are treated as acknowledged.
func (r *JobRepository) Ack(ctx context.Context, _ string, id int64) (bool, error) {
	const q = `
UPDATE jobs
SET status = 'completed', locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing');
`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return false, err
	}
	return true, nil
}

// Complete finalizes the claim that returned job. It fails with
// service.ErrClaimLost once the job has been reclaimed or finalized by someone else.
func (r *JobRepository) Complete(ctx context.Context, job *entity.Job) error {
	const q = `
UPDATE jobs
SET status = 'completed', locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing' AND attempts = $2;
`
	tag, err := r.pool.Exec(ctx, q, job.ID, job.Attempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.lostOrMissing(ctx, job.ID)
	}
	return nil
}

// Release records a failed attempt: failed once attempts reached the ceiling
// (or the failure is not retryable), otherwise back to pending with the lock cleared.
func (r *JobRepository) Release(ctx context.Context, job *entity.Job, cause error) (entity.JobStatus, error) {
	msg := "handler failed"
	if cause != nil {
		msg = cause.Error()
	}
	terminal := !entity.KindOf(cause).Retryable()
	return r.Fail(ctx, job, msg, terminal)
}

// Fail finalizes a failed claim with the same fencing as Complete.
func (r *JobRepository) Fail(ctx context.Context, job *entity.Job, errText string, terminal bool) (entity.JobStatus, error) {
	const q = `
UPDATE jobs
SET status = CASE WHEN $3 OR attempts >= $4 THEN 'failed' ELSE 'pending' END,
    locked_at = CASE WHEN $3 OR attempts >= $4 THEN locked_at ELSE NULL END,
    locked_by = NULL,
    last_error = $2,
    updated_at = now()
WHERE id = $1 AND status = 'processing' AND attempts = $5
RETURNING status;
`
	var status string
	err := r.pool.QueryRow(ctx, q, job.ID, errText, terminal, r.opts.MaxAttempts, job.Attempts).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", r.lostOrMissing(ctx, job.ID)
		}
		return "", err
	}
	return entity.JobStatus(status), nil
}

func (r *JobRepository) lostOrMissing(ctx context.Context, id int64) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return service.ErrClaimLost
}

// ReapExpired fails abandoned claims that already used their last attempt;
// Claim never picks them up again.
func (r *JobRepository) ReapExpired(ctx context.Context) (int64, error) {
	const q = `
UPDATE jobs
SET status = 'failed',
    last_error = COALESCE(last_error, 'claim expired'),
    locked_by = NULL,
    updated_at = now()
WHERE status = 'processing'
  AND attempts >= $1
  AND locked_at < now() - make_interval(secs => $2);
`
	tag, err := r.pool.Exec(ctx, q, r.opts.MaxAttempts, r.opts.ReclaimAfter.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Requeue moves a failed job back to pending with a fresh attempt budget.
func (r *JobRepository) Requeue(ctx context.Context, id int64) (*entity.Job, error) {
	q := `
UPDATE jobs
SET status = 'pending', attempts = 0, locked_at = NULL, locked_by = NULL, updated_at = now()
WHERE id = $1 AND status = 'failed'
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotFailed
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return job, nil
}

func (r *JobRepository) List(ctx context.Context, f entity.JobFilter) ([]*entity.Job, error) {
	if f.Limit == 0 || f.Limit > 500 {
		f.Limit = 50
	}

	b := psql.Select(jobColumns).From("jobs").
		OrderBy("created_at DESC", "id DESC").
		Limit(f.Limit).
		Offset(f.Offset)
	if f.Kind != "" {
		b = b.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool belongs to the caller.
func (r *JobRepository) Close() error { return nil }

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		statusText string
		payload    []byte
		idemKey    *string
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&idemKey,
		&statusText,
		&job.Attempts,
		&job.LockedAt,  // NULL => nil
		&job.LockedBy,  // NULL => nil
		&job.LastError, // NULL => nil
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	if idemKey != nil {
		job.IdempotencyKey = *idemKey
	}

	var raw map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("decode payload of job %d: %w", job.ID, err)
		}
	}
	p, _ := entity.NormalizePayload(raw)
	job.SetPayload(p)
	return &job, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
