package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskplane/taskplane/internal/api"
	"github.com/taskplane/taskplane/internal/domain"
)

// TaskStore is a Postgres-backed implementation of api.TaskStore.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `task_id, task_type, task_name, description, status, priority,
	created_at, updated_at, started_at, finished_at, expires_at,
	submitted_configs, error_info, result_summary, execution_details,
	progress_details, notification_config, created_by, tags, active`

// Sort fields accepted by ListTasks. Anything else falls back to created_at.
var taskSortFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"priority":   true,
	"status":     true,
	"task_name":  true,
}

const defaultListLimit = 50
const maxListLimit = 500

// CreateTask inserts the task row and its CREATED journal entry in one
// transaction.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	submitted, err := docOrNull(task.SubmittedConfigs)
	if err != nil {
		return err
	}
	notification, err := docOrNull(task.NotificationConfig)
	if err != nil {
		return err
	}
	tags, err := tagsOrNull(task.Tags)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create task: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	task.Active = true

	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (
			task_id, task_type, task_name, description, status, priority,
			created_at, updated_at, expires_at,
			submitted_configs, notification_config, created_by, tags, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE)`,
		task.TaskID, task.TaskType, task.TaskName, task.Description,
		task.Status, task.Priority, task.CreatedAt, task.UpdatedAt,
		task.ExpiresAt, submitted, notification, task.CreatedBy, tags,
	); err != nil {
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}

	status := task.Status
	if _, err := tx.Exec(ctx, `
		INSERT INTO task_events (task_id, event_type, new_status, created_at, actor)
		VALUES ($1, $2, $3, $4, $5)`,
		task.TaskID, domain.EventTypeCreated, status, task.CreatedAt, task.CreatedBy,
	); err != nil {
		return fmt.Errorf("insert created event for %s: %w", task.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create task %s: %w", task.TaskID, err)
	}
	return nil
}

// GetTask fetches a single active task by id.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE task_id = $1 AND active", taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns one page of tasks matching the filter.
func (s *TaskStore) ListTasks(ctx context.Context, filter api.TaskFilter) (*api.TaskPage, error) {
	offset, err := decodePageToken(filter.PageToken)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	where, args := taskWhereClause(filter)

	sortBy := filter.SortBy
	if !taskSortFields[sortBy] {
		sortBy = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}

	// Fetch one extra row to learn whether a next page exists.
	query := fmt.Sprintf(
		"SELECT %s FROM tasks%s ORDER BY %s %s LIMIT %d OFFSET %d",
		taskColumns, where, sortBy, order, limit+1, offset,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	page := &api.TaskPage{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		page.NextPageToken = encodePageToken(offset + limit)
	}
	return page, nil
}

// taskWhereClause builds the WHERE clause and its positional args for a
// task list query.
func taskWhereClause(filter api.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	n := 0

	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if !filter.IncludeInactive {
		conds = append(conds, "active")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = arg(st)
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.TaskType != "" {
		conds = append(conds, "task_type = "+arg(filter.TaskType))
	}
	if filter.CreatedBy != "" {
		conds = append(conds, "created_by = "+arg(filter.CreatedBy))
	}
	if filter.NameContains != "" {
		conds = append(conds, "task_name ILIKE "+arg("%"+filter.NameContains+"%"))
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at >= "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < "+arg(*filter.CreatedBefore))
	}
	if len(filter.TagsIncludeAny) > 0 {
		conds = append(conds, "tags ?| "+arg(filter.TagsIncludeAny))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateTaskStatus transitions a task and records the change in the journal,
// all within one transaction. The row is locked for the duration so
// concurrent supervisors cannot interleave transitions. Transitions out of a
// terminal status fail with domain.ErrTaskConflict.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, patch api.TaskPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current domain.TaskStatus
	var startedAt pgtype.Timestamptz
	err = tx.QueryRow(ctx,
		"SELECT status, started_at FROM tasks WHERE task_id = $1 AND active FOR UPDATE",
		taskID,
	).Scan(&current, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}

	if current.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrTaskConflict, taskID, current)
	}

	now := time.Now().UTC()
	set := []string{"status = $1", "updated_at = $2"}
	args := []any{status, now}
	n := 2

	setArg := func(col string, v any) {
		n++
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
	}

	if status == domain.StatusRunning && !startedAt.Valid {
		setArg("started_at", now)
	}
	if status.Terminal() {
		setArg("finished_at", now)
	}
	for col, doc := range map[string]domain.Document{
		"error_info":        patch.ErrorInfo,
		"result_summary":    patch.ResultSummary,
		"execution_details": patch.ExecutionDetails,
		"progress_details":  patch.ProgressDetails,
	} {
		if doc == nil {
			continue
		}
		raw, err := docOrNull(doc)
		if err != nil {
			return err
		}
		setArg(col, raw)
	}

	n++
	args = append(args, taskID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE task_id = $%d", strings.Join(set, ", "), n)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}

	eventData := domain.Document{}
	if patch.ErrorInfo != nil {
		eventData["error_info"] = patch.ErrorInfo
	}
	if patch.ResultSummary != nil {
		eventData["result_summary"] = patch.ResultSummary
	}
	rawEvent, err := docOrNull(eventData)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO task_events (task_id, event_type, previous_status, new_status, created_at, actor, event_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		taskID, domain.EventTypeStatusChange, current, status, now, patch.Actor, rawEvent,
	); err != nil {
		return fmt.Errorf("insert status event for %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status update for %s: %w", taskID, err)
	}
	return nil
}

// ListTaskEvents returns the full journal for a task, oldest first.
func (s *TaskStore) ListTaskEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, task_id, event_type, previous_status, new_status, created_at, actor, event_data
		FROM task_events WHERE task_id = $1 ORDER BY created_at, event_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var prev, next pgtype.Text
		var raw []byte
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &prev, &next,
			&ev.Timestamp, &ev.Actor, &raw); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if prev.Valid {
			st := domain.TaskStatus(prev.String)
			ev.PreviousStatus = &st
		}
		if next.Valid {
			st := domain.TaskStatus(next.String)
			ev.NewStatus = &st
		}
		ev.EventData = docFromRaw(raw)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteTask soft-deletes a task by clearing its active flag. The row and
// its journal remain for auditing.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE tasks SET active = FALSE, updated_at = now() WHERE task_id = $1 AND active", taskID)
	if err != nil {
		return fmt.Errorf("soft delete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// DeleteTaskEvents permanently removes a task's journal.
func (s *TaskStore) DeleteTaskEvents(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM task_events WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("delete events for %s: %w", taskID, err)
	}
	return nil
}

// HardDeleteTask permanently removes a task row. Journal entries go with it
// via ON DELETE CASCADE.
func (s *TaskStore) HardDeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM tasks WHERE task_id = $1", taskID)
	if err != nil {
		return fmt.Errorf("hard delete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return nil
}

// scanTask scans one tasks row in taskColumns order.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var startedAt, finishedAt, expiresAt pgtype.Timestamptz
	var submitted, errorInfo, result, execution, progress, notification, tags []byte

	err := row.Scan(
		&task.TaskID, &task.TaskType, &task.TaskName, &task.Description,
		&task.Status, &task.Priority, &task.CreatedAt, &task.UpdatedAt,
		&startedAt, &finishedAt, &expiresAt,
		&submitted, &errorInfo, &result, &execution, &progress, &notification,
		&task.CreatedBy, &tags, &task.Active,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		task.ExpiresAt = &t
	}
	task.SubmittedConfigs = docFromRaw(submitted)
	task.ErrorInfo = docFromRaw(errorInfo)
	task.ResultSummary = docFromRaw(result)
	task.ExecutionDetails = docFromRaw(execution)
	task.ProgressDetails = docFromRaw(progress)
	task.NotificationConfig = docFromRaw(notification)
	task.Tags = tagsFromRaw(tags)
	return &task, nil
}
