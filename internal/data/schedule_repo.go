package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fnrouter/fnrouter/internal/data/pgxutil"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ScheduleRepo provides database operations for schedule records.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduleRepo creates a new ScheduleRepo instance with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom TimeProvider (useful for testing).
func NewScheduleRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const scheduleColumns = `
  id,
  name,
  description,
  type,
  status,
  is_persistent,
  next_run_at,
  interval_ms,
  job_type,
  job_payload,
  job_priority,
  job_max_retries,
  job_execution_mode,
  job_reference_type,
  job_reference_id,
  active_job_id,
  consecutive_failures,
  max_consecutive_failures,
  last_error,
  last_triggered_at,
  last_completed_at,
  created_at,
  updated_at
`

// Create persists a new schedule and returns the stored row.
// Returns ErrDuplicateName when the name is already taken.
func (r *ScheduleRepo) Create(ctx context.Context, sched *model.Schedule) (*model.Schedule, error) {
	now := r.timeProvider.Now().UTC()

	payload := sched.Job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO schedules (
			name, description, type, status, is_persistent, next_run_at, interval_ms,
			job_type, job_payload, job_priority, job_max_retries, job_execution_mode,
			job_reference_type, job_reference_id,
			max_consecutive_failures, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14,
			$15, $16, $16
		)
		RETURNING ` + scheduleColumns

	var created *model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query,
			sched.Name,
			sched.Description,
			string(sched.Type),
			string(sched.Status),
			sched.IsPersistent,
			utcPtr(sched.NextRunAt),
			intervalMillis(sched.Interval),
			sched.Job.Type,
			[]byte(payload),
			sched.Job.Priority,
			sched.Job.MaxRetries,
			sched.Job.ExecutionMode,
			sched.Job.ReferenceType,
			sched.Job.ReferenceID,
			sched.MaxConsecutiveFailures,
			now,
		)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		row, collectErr := pgx.CollectOneRow(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		created = row
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return created, nil
}

// GetByName returns the schedule or ErrScheduleNotFound.
func (r *ScheduleRepo) GetByName(ctx context.Context, name string) (*model.Schedule, error) {
	return r.getOne(ctx, "name = $1", name)
}

// GetByID returns the schedule or ErrScheduleNotFound.
func (r *ScheduleRepo) GetByID(ctx context.Context, id string) (*model.Schedule, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *ScheduleRepo) getOne(ctx context.Context, where string, arg any) (*model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ` + where

	var sched *model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, arg)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		row, collectErr := pgx.CollectOneRow(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		sched = row
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return sched, nil
}

// GetAll returns every schedule ordered by name.
func (r *ScheduleRepo) GetAll(ctx context.Context) ([]*model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name ASC`
	return r.collect(ctx, query)
}

// GetDueBefore returns active schedules whose next_run_at is at or before t,
// ordered by next_run_at with ties broken by id.
func (r *ScheduleRepo) GetDueBefore(ctx context.Context, t time.Time) ([]*model.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
	`
	return r.collect(ctx, query, t.UTC())
}

// NextWakeup returns the soonest next_run_at across active schedules, or nil
// when no active schedule carries one.
func (r *ScheduleRepo) NextWakeup(ctx context.Context) (*time.Time, error) {
	query := `
		SELECT MIN(next_run_at)
		FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL
	`
	var next sql.NullTime
	if err := r.DB.QueryRowContext(ctx, query).Scan(&next); err != nil {
		return nil, fmt.Errorf("query next wakeup: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

// ListWithActiveJob returns schedules with a non-null active job id regardless
// of status.
func (r *ScheduleRepo) ListWithActiveJob(ctx context.Context) ([]*model.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE active_job_id IS NOT NULL
		ORDER BY name ASC
	`
	return r.collect(ctx, query)
}

func (r *ScheduleRepo) collect(ctx context.Context, query string, args ...any) ([]*model.Schedule, error) {
	var scheds []*model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		scheds = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	return scheds, nil
}

// Update applies a partial patch and returns the post-image. Fields not set in
// the patch keep their stored value; updated_at is always refreshed.
func (r *ScheduleRepo) Update(ctx context.Context, name string, patch model.SchedulePatch) (*model.Schedule, error) {
	now := r.timeProvider.Now().UTC()

	clauses := []string{"updated_at = $2"}
	args := []any{name, now}

	addClause := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	switch {
	case patch.ClearDescription:
		clauses = append(clauses, "description = NULL")
	case patch.Description != nil:
		addClause("description", *patch.Description)
	}
	if patch.Status != nil {
		addClause("status", string(*patch.Status))
	}
	switch {
	case patch.ClearNextRunAt:
		clauses = append(clauses, "next_run_at = NULL")
	case patch.NextRunAt != nil:
		addClause("next_run_at", patch.NextRunAt.UTC())
	}
	if patch.Interval != nil {
		addClause("interval_ms", patch.Interval.Milliseconds())
	}
	if patch.JobPayload != nil {
		addClause("job_payload", []byte(*patch.JobPayload))
	}
	if patch.JobPriority != nil {
		addClause("job_priority", *patch.JobPriority)
	}
	if patch.JobMaxRetries != nil {
		addClause("job_max_retries", *patch.JobMaxRetries)
	}
	switch {
	case patch.ClearActiveJobID:
		clauses = append(clauses, "active_job_id = NULL")
	case patch.ActiveJobID != nil:
		addClause("active_job_id", *patch.ActiveJobID)
	}
	if patch.ConsecutiveFailures != nil {
		addClause("consecutive_failures", *patch.ConsecutiveFailures)
	}
	if patch.MaxFailures != nil {
		addClause("max_consecutive_failures", *patch.MaxFailures)
	}
	switch {
	case patch.ClearLastError:
		clauses = append(clauses, "last_error = NULL")
	case patch.LastError != nil:
		addClause("last_error", *patch.LastError)
	}
	if patch.LastTriggeredAt != nil {
		addClause("last_triggered_at", patch.LastTriggeredAt.UTC())
	}
	if patch.LastCompletedAt != nil {
		addClause("last_completed_at", patch.LastCompletedAt.UTC())
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString("UPDATE schedules SET ")
	queryBuilder.WriteString(strings.Join(clauses, ", "))
	queryBuilder.WriteString(" WHERE name = $1 RETURNING ")
	queryBuilder.WriteString(scheduleColumns)

	var updated *model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, queryBuilder.String(), args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		row, collectErr := pgx.CollectOneRow(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		updated = row
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return updated, nil
}

// Delete removes a schedule by name. Returns whether a row was removed.
func (r *ScheduleRepo) Delete(ctx context.Context, name string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM schedules WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteEphemeral removes every non-persistent schedule. Called once at
// service start, before timer arming.
func (r *ScheduleRepo) DeleteEphemeral(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM schedules WHERE is_persistent = FALSE`)
	if err != nil {
		return 0, fmt.Errorf("delete ephemeral schedules: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return affected, nil
}

// scheduleRow matches the schedules table exactly so pgx.RowToStructByName works.
type scheduleRow struct {
	ID                     string         `db:"id"`
	Name                   string         `db:"name"`
	Description            sql.NullString `db:"description"`
	Type                   string         `db:"type"`
	Status                 string         `db:"status"`
	IsPersistent           bool           `db:"is_persistent"`
	NextRunAt              sql.NullTime   `db:"next_run_at"`
	IntervalMs             sql.NullInt64  `db:"interval_ms"`
	JobType                string         `db:"job_type"`
	JobPayload             []byte         `db:"job_payload"`
	JobPriority            int            `db:"job_priority"`
	JobMaxRetries          int            `db:"job_max_retries"`
	JobExecutionMode       string         `db:"job_execution_mode"`
	JobReferenceType       sql.NullString `db:"job_reference_type"`
	JobReferenceID         sql.NullString `db:"job_reference_id"`
	ActiveJobID            sql.NullString `db:"active_job_id"`
	ConsecutiveFailures    int            `db:"consecutive_failures"`
	MaxConsecutiveFailures int            `db:"max_consecutive_failures"`
	LastError              sql.NullString `db:"last_error"`
	LastTriggeredAt        sql.NullTime   `db:"last_triggered_at"`
	LastCompletedAt        sql.NullTime   `db:"last_completed_at"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

func (row *scheduleRow) toDomain() *model.Schedule {
	if row == nil {
		return nil
	}

	sched := &model.Schedule{
		ID:                     row.ID,
		Name:                   row.Name,
		Type:                   model.ScheduleType(row.Type),
		Status:                 model.ScheduleStatus(row.Status),
		IsPersistent:           row.IsPersistent,
		ConsecutiveFailures:    row.ConsecutiveFailures,
		MaxConsecutiveFailures: row.MaxConsecutiveFailures,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
		Job: model.JobTemplate{
			Type:          row.JobType,
			Payload:       json.RawMessage(row.JobPayload),
			Priority:      row.JobPriority,
			MaxRetries:    row.JobMaxRetries,
			ExecutionMode: row.JobExecutionMode,
		},
	}

	sched.Description = nullableString(row.Description)
	sched.NextRunAt = nullableTime(row.NextRunAt)
	sched.ActiveJobID = nullableString(row.ActiveJobID)
	sched.LastError = nullableString(row.LastError)
	sched.LastTriggeredAt = nullableTime(row.LastTriggeredAt)
	sched.LastCompletedAt = nullableTime(row.LastCompletedAt)
	sched.Job.ReferenceType = nullableString(row.JobReferenceType)
	sched.Job.ReferenceID = nullableString(row.JobReferenceID)
	if row.IntervalMs.Valid {
		sched.Interval = time.Duration(row.IntervalMs.Int64) * time.Millisecond
	}
	return sched
}

func rowToSchedule(row pgx.CollectableRow) (*model.Schedule, error) {
	dbRow, err := pgx.RowToStructByName[scheduleRow](row)
	if err != nil {
		return nil, fmt.Errorf("scan schedule row: %w", err)
	}
	return dbRow.toDomain(), nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func intervalMillis(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
