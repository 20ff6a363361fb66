package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/data/pgxutil"
	"github.com/fnrouter/fnrouter/internal/domain/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TaskRepo provides database operations for persisted tasks. In-memory tasks
// live in MemoryTaskRepo; both satisfy the same repository contract.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTaskRepo creates a new TaskRepo instance with the given database connection.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewTaskRepoWithTimeProvider creates a TaskRepo with a custom TimeProvider (useful for testing).
func NewTaskRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *TaskRepo {
	return &TaskRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const taskColumns = `
  id,
  name,
  type,
  schedule_type,
  interval_ms,
  scheduled_at,
  enabled,
  payload,
  status,
  next_run_at,
  last_run_at,
  run_started_at,
  last_error,
  consecutive_failures,
  process_instance_id,
  created_at,
  updated_at
`

// Create persists a new task and returns the stored row.
// Returns ErrDuplicateName when the name is already taken.
func (r *TaskRepo) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	now := r.timeProvider.Now().UTC()

	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO tasks (
			name, type, schedule_type, interval_ms, scheduled_at, enabled,
			payload, status, next_run_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $10
		)
		RETURNING ` + taskColumns

	var created *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query,
			task.Name,
			task.Type,
			string(task.ScheduleType),
			intervalMillis(task.Interval),
			utcPtr(task.ScheduledAt),
			task.Enabled,
			[]byte(payload),
			string(task.Status),
			utcPtr(task.NextRunAt),
			now,
		)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		row, collectErr := pgx.CollectOneRow(rows, rowToTask)
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
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

// GetByName returns the task or ErrTaskNotFound.
func (r *TaskRepo) GetByName(ctx context.Context, name string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE name = $1`

	tasks, err := r.collect(ctx, query, name)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// GetAll returns every persisted task ordered by name.
func (r *TaskRepo) GetAll(ctx context.Context) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY name ASC`
	return r.collect(ctx, query)
}

// GetDueBefore returns enabled idle tasks whose next_run_at is at or before t,
// ordered by next_run_at with ties broken by id.
func (r *TaskRepo) GetDueBefore(ctx context.Context, t time.Time) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'idle' AND enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
	`
	return r.collect(ctx, query, t.UTC())
}

// Update applies a partial patch and returns the post-image.
func (r *TaskRepo) Update(ctx context.Context, name string, patch model.TaskPatch) (*model.Task, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()

	clauses := []string{"updated_at = $2"}
	args := []any{name, now}

	addClause := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Enabled != nil {
		addClause("enabled", *patch.Enabled)
	}
	if patch.Payload != nil {
		addClause("payload", []byte(*patch.Payload))
	}
	if patch.Interval != nil {
		addClause("interval_ms", patch.Interval.Milliseconds())
	}
	switch {
	case patch.ClearNextRunAt:
		clauses = append(clauses, "next_run_at = NULL")
	case patch.NextRunAt != nil:
		addClause("next_run_at", patch.NextRunAt.UTC())
	}
	if patch.Status != nil {
		addClause("status", string(*patch.Status))
	}
	switch {
	case patch.ClearLastError:
		clauses = append(clauses, "last_error = NULL")
	case patch.LastError != nil:
		addClause("last_error", *patch.LastError)
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString("UPDATE tasks SET ")
	queryBuilder.WriteString(strings.Join(clauses, ", "))
	queryBuilder.WriteString(" WHERE name = $1 RETURNING ")
	queryBuilder.WriteString(taskColumns)

	return r.one(ctx, queryBuilder.String(), args...)
}

// Delete removes a task by name. Returns whether a row was removed.
func (r *TaskRepo) Delete(ctx context.Context, name string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// Claim atomically transitions the named task from idle to running, stamping
// run_started_at and the claiming instance id. The conditional update is the
// whole concurrency story: two pollers racing on the same row see exactly one
// winner. Returns (nil, nil) when the row exists but was not idle.
func (r *TaskRepo) Claim(ctx context.Context, p core.ClaimParams) (*model.Task, error) {
	query := `
		UPDATE tasks
		SET status = 'running',
		    run_started_at = $2,
		    process_instance_id = $3,
		    updated_at = $2
		WHERE name = $1 AND status = 'idle'
		RETURNING ` + taskColumns

	claimed, err := r.one(ctx, query, p.Name, p.Now.UTC(), p.InstanceID)
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	// No idle row matched. Distinguish "claimed by someone else" from "gone".
	var exists bool
	if scanErr := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE name = $1)`, p.Name,
	).Scan(&exists); scanErr != nil {
		return nil, fmt.Errorf("check task existence: %w", scanErr)
	}
	if !exists {
		return nil, ErrTaskNotFound
	}
	return nil, nil
}

// MarkIdle writes the run outcome and clears the running markers in one step.
func (r *TaskRepo) MarkIdle(ctx context.Context, name string, outcome model.TaskOutcome) (*model.Task, error) {
	now := r.timeProvider.Now().UTC()

	status := model.TaskStatusIdle
	if outcome.Disable {
		status = model.TaskStatusDisabled
	}

	query := `
		UPDATE tasks
		SET status = $2,
		    last_run_at = $3,
		    next_run_at = $4,
		    last_error = $5,
		    consecutive_failures = $6,
		    run_started_at = NULL,
		    process_instance_id = NULL,
		    updated_at = $7
		WHERE name = $1
		RETURNING ` + taskColumns

	return r.one(ctx, query,
		name,
		string(status),
		outcome.LastRunAt.UTC(),
		utcPtr(outcome.NextRunAt),
		outcome.LastError,
		outcome.ConsecutiveFailures,
		now,
	)
}

// FindOrphaned returns running tasks stamped with a different (or missing)
// instance id. Those rows belong to a previous process that died mid-run.
func (r *TaskRepo) FindOrphaned(ctx context.Context, currentInstanceID string) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'running'
		  AND (process_instance_id IS NULL OR process_instance_id <> $1)
		ORDER BY name ASC
	`
	return r.collect(ctx, query, currentInstanceID)
}

// FindStuck returns running tasks whose run_started_at is older than cutoff.
func (r *TaskRepo) FindStuck(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'running'
		  AND (run_started_at IS NULL OR run_started_at < $1)
		ORDER BY name ASC
	`
	return r.collect(ctx, query, cutoff.UTC())
}

// Reset forcibly returns a task to idle, clearing the run markers. Used by
// startup orphan recovery and the stuck-task sweep.
func (r *TaskRepo) Reset(ctx context.Context, name string) (*model.Task, error) {
	now := r.timeProvider.Now().UTC()

	query := `
		UPDATE tasks
		SET status = 'idle',
		    run_started_at = NULL,
		    process_instance_id = NULL,
		    updated_at = $2
		WHERE name = $1
		RETURNING ` + taskColumns

	return r.one(ctx, query, name, now)
}

func (r *TaskRepo) one(ctx context.Context, query string, args ...any) (*model.Task, error) {
	var task *model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		row, collectErr := pgx.CollectOneRow(rows, rowToTask)
		if collectErr != nil {
			return collectErr
		}
		task = row
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

func (r *TaskRepo) collect(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	var tasks []*model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToTask)
		if collectErr != nil {
			return collectErr
		}
		tasks = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

// taskRow matches the tasks table exactly so pgx.RowToStructByName works.
type taskRow struct {
	ID                  int64          `db:"id"`
	Name                string         `db:"name"`
	Type                string         `db:"type"`
	ScheduleType        string         `db:"schedule_type"`
	IntervalMs          sql.NullInt64  `db:"interval_ms"`
	ScheduledAt         sql.NullTime   `db:"scheduled_at"`
	Enabled             bool           `db:"enabled"`
	Payload             []byte         `db:"payload"`
	Status              string         `db:"status"`
	NextRunAt           sql.NullTime   `db:"next_run_at"`
	LastRunAt           sql.NullTime   `db:"last_run_at"`
	RunStartedAt        sql.NullTime   `db:"run_started_at"`
	LastError           sql.NullString `db:"last_error"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	ProcessInstanceID   sql.NullString `db:"process_instance_id"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (row *taskRow) toDomain() *model.Task {
	if row == nil {
		return nil
	}

	task := &model.Task{
		ID:                  row.ID,
		Name:                row.Name,
		Type:                row.Type,
		ScheduleType:        model.TaskScheduleType(row.ScheduleType),
		StorageMode:         model.TaskStoragePersisted,
		Enabled:             row.Enabled,
		Payload:             json.RawMessage(row.Payload),
		Status:              model.TaskStatus(row.Status),
		ConsecutiveFailures: row.ConsecutiveFailures,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}

	if row.IntervalMs.Valid {
		task.Interval = time.Duration(row.IntervalMs.Int64) * time.Millisecond
	}
	task.ScheduledAt = nullableTime(row.ScheduledAt)
	task.NextRunAt = nullableTime(row.NextRunAt)
	task.LastRunAt = nullableTime(row.LastRunAt)
	task.RunStartedAt = nullableTime(row.RunStartedAt)
	task.LastError = nullableString(row.LastError)
	task.ProcessInstanceID = nullableString(row.ProcessInstanceID)
	return task
}

func rowToTask(row pgx.CollectableRow) (*model.Task, error) {
	dbRow, err := pgx.RowToStructByName[taskRow](row)
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	return dbRow.toDomain(), nil
}
