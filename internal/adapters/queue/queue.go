// Package queue implements the job queue on Postgres with Redis-delivered
// completion events. Jobs are reserved with SKIP LOCKED and held under a
// lease; expired leases are requeued before each reservation.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/data/pgxutil"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const defaultRetryDelaySeconds = 30

// CompletionPublisher pushes a terminal event to whoever subscribed for the job.
// Publishing is best-effort; subscribers fall back to polling the job row.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, event model.CompletionEvent) error
}

// PgQueue is the Postgres-backed job queue.
type PgQueue struct {
	db           *sql.DB
	publisher    CompletionPublisher
	timeProvider data.TimeProvider
	logger       *slog.Logger
	retryDelay   time.Duration
}

// Options configures a PgQueue.
type Options struct {
	DB           *sql.DB
	Publisher    CompletionPublisher
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	RetryDelay   time.Duration
}

// New creates a PgQueue from the given options.
func New(opts Options) *PgQueue {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelaySeconds * time.Second
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "job_queue")
	}
	return &PgQueue{
		db:           opts.DB,
		publisher:    opts.Publisher,
		timeProvider: tp,
		logger:       logger,
		retryDelay:   retryDelay,
	}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  payload,
  result,
  execution_mode,
  reference_type,
  reference_id,
  retry_count,
  max_retries,
  last_error,
  cancel_reason,
  lease_expires_at,
  scheduled_at,
  started_at,
  completed_at,
  created_at,
  updated_at
`

// Enqueue inserts a pending job and notifies waiting workers via pg_notify.
func (q *PgQueue) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	now := q.timeProvider.Now().UTC()

	query := `
		INSERT INTO jobs (
			type, status, priority, payload, execution_mode,
			reference_type, reference_id, max_retries,
			scheduled_at, created_at, updated_at
		) VALUES (
			$1, 'pending', $2, $3, $4,
			$5, $6, $7,
			$8, $8, $8
		)
		RETURNING ` + jobColumns

	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, q.db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, query,
				req.Type,
				req.Priority,
				[]byte(payload),
				req.ExecutionMode,
				req.ReferenceType,
				req.ReferenceID,
				req.MaxRetries,
				now,
			)
			inserted, scanErr := scanJob(row)
			if scanErr != nil {
				return fmt.Errorf("insert job: %w", scanErr)
			}

			channel := "job_added_" + req.Type
			if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, inserted.ID); notifyErr != nil {
				return fmt.Errorf("send job notification: %w", notifyErr)
			}

			job = inserted
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob returns the job or (nil, nil) when the row no longer exists.
func (q *PgQueue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CancelJob cancels a pending or running job and publishes the terminal event.
// Already-terminal jobs are left untouched without error.
func (q *PgQueue) CancelJob(ctx context.Context, id, reason string) error {
	now := q.timeProvider.Now().UTC()

	query := `
		UPDATE jobs
		SET status = 'cancelled',
		    cancel_reason = $2,
		    completed_at = $3,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + jobColumns

	job, err := scanJob(q.db.QueryRowContext(ctx, query, id, reason, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	q.publishTerminal(ctx, job)
	return nil
}

// ReserveNext reserves the next pending job of the given type, stamping a
// lease. Expired leases of that type are requeued first. Returns
// model.ErrNoJobsAvailable when nothing is pending.
func (q *PgQueue) ReserveNext(ctx context.Context, jobType string, lease time.Duration) (*model.Job, error) {
	if _, err := q.requeueExpired(ctx, jobType); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	now := q.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(lease)

	query := `
		WITH cte AS (
			SELECT id FROM jobs
			WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'running',
		    started_at = COALESCE(j.started_at, $2),
		    lease_expires_at = $3,
		    updated_at = $2
		FROM cte
		WHERE j.id = cte.id
		RETURNING ` + jobColumns

	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, q.db, pgxutil.SQLTxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx *sql.Tx) error {
			reserved, scanErr := scanJob(tx.QueryRowContext(ctx, query, jobType, now, leaseExpiresAt.UTC()))
			if errors.Is(scanErr, sql.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if scanErr != nil {
				return fmt.Errorf("reserve job: %w", scanErr)
			}
			job = reserved
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job. Returns false when the job
// is no longer running.
func (q *PgQueue) Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := q.timeProvider.Now().UTC()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return affected > 0, nil
}

// Complete marks a running job as completed, stores its result, and publishes
// the terminal event. Returns false when the job was not running.
func (q *PgQueue) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	now := q.timeProvider.Now().UTC()

	var resultArg any
	if len(result) > 0 {
		resultArg = []byte(result)
	}

	query := `
		UPDATE jobs
		SET status = 'completed',
		    result = $2,
		    completed_at = $3,
		    lease_expires_at = NULL,
		    last_error = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(q.db.QueryRowContext(ctx, query, id, resultArg, now))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	q.publishTerminal(ctx, job)
	return true, nil
}

// Fail records a failed attempt. The job goes back to pending with a retry
// delay while retries remain, and to failed (with the terminal event
// published) once they are exhausted. Returns false when the job was not
// running.
func (q *PgQueue) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := q.timeProvider.Now().UTC()
	retryAt := now.Add(q.retryDelay)

	query := `
		UPDATE jobs
		SET last_error = $2,
		    retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 > max_retries THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN retry_count + 1 > max_retries THEN $3::timestamptz ELSE NULL END,
		    scheduled_at = CASE WHEN retry_count + 1 > max_retries THEN scheduled_at ELSE $4::timestamptz END,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(q.db.QueryRowContext(ctx, query, id, errMsg, now, retryAt.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	if job.Status == model.JobStatusFailed {
		q.publishTerminal(ctx, job)
	}
	return true, nil
}

// WaitForNotification blocks until a job of the given type is enqueued or the
// context ends.
func (q *PgQueue) WaitForNotification(ctx context.Context, jobType string) error {
	conn, err := q.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + jobType
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := std.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// Advisory lock namespace for requeueExpired to avoid cross-job-type contention.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(jobType string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

func (q *PgQueue) requeueExpired(ctx context.Context, jobType string) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, q.db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(jobType)
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, minorKey,
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := q.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending', lease_expires_at = NULL
				WHERE type = $1 AND status = 'running'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $2
			`, jobType, now)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

func (q *PgQueue) publishTerminal(ctx context.Context, job *model.Job) {
	if q.publisher == nil || job == nil {
		return
	}

	eventType, err := model.CompletionEventForStatus(job.Status)
	if err != nil {
		return
	}

	event := model.CompletionEvent{Type: eventType, Job: job}
	if pubErr := q.publisher.PublishCompletion(ctx, event); pubErr != nil && q.logger != nil {
		q.logger.WarnContext(ctx, "publish completion event failed",
			"job_id", job.ID,
			"status", job.Status,
			"error", pubErr,
		)
	}
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		payload, result                        []byte
		referenceType, referenceID             sql.NullString
		lastError, cancelReason                sql.NullString
		leaseExpiresAt, startedAt, completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&payload,
		&result,
		&job.ExecutionMode,
		&referenceType,
		&referenceID,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&cancelReason,
		&leaseExpiresAt,
		&job.ScheduledAt,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Payload = cloneJSON(payload)
	if len(result) > 0 {
		job.Result = append(json.RawMessage(nil), result...)
	}
	job.ReferenceType = cloneNullableString(referenceType)
	job.ReferenceID = cloneNullableString(referenceID)
	job.LastError = cloneNullableString(lastError)
	job.CancelReason = cloneNullableString(cancelReason)
	job.LeaseExpiresAt = cloneNullableTime(leaseExpiresAt)
	job.StartedAt = cloneNullableTime(startedAt)
	job.CompletedAt = cloneNullableTime(completedAt)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
