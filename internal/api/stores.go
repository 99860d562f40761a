// Package api provides the HTTP surface for taskplaned and declares the
// store and service interfaces its handlers depend on. Implementations live
// in internal/postgres and internal/manager; main wires them together.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskplane/taskplane/internal/domain"
)

// TaskFilter narrows task list queries.
type TaskFilter struct {
	Statuses       []string
	TaskType       string
	CreatedBy      string
	NameContains   string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	TagsIncludeAny []string

	// IncludeInactive also returns soft-deleted tasks.
	IncludeInactive bool

	// SortBy must be one of the whitelisted sort fields; empty means
	// created_at. SortOrder is "asc" or "desc" (default desc).
	SortBy    string
	SortOrder string

	Limit     int
	PageToken string
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks         []domain.Task `json:"tasks"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// TaskPatch carries the JSON document updates applied alongside a status
// transition. Nil documents are left untouched.
type TaskPatch struct {
	ErrorInfo        domain.Document
	ResultSummary    domain.Document
	ExecutionDetails domain.Document
	ProgressDetails  domain.Document
	Actor            string
}

// TaskStore persists tasks and their event journal.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) (*TaskPage, error)

	// UpdateTaskStatus transitions a task and journals the change in one
	// transaction. Transitions out of a terminal status fail with
	// domain.ErrTaskConflict.
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, patch TaskPatch) error

	ListTaskEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)

	// DeleteTask soft-deletes (clears the active flag).
	DeleteTask(ctx context.Context, taskID string) error
	// DeleteTaskEvents and HardDeleteTask permanently remove the journal
	// and the row.
	DeleteTaskEvents(ctx context.Context, taskID string) error
	HardDeleteTask(ctx context.Context, taskID string) error
}

// VariableStore persists encrypted named variables.
type VariableStore interface {
	UpsertVariable(ctx context.Context, v *domain.Variable) error
	GetVariable(ctx context.Context, name string) (*domain.Variable, error)
	ListVariables(ctx context.Context) ([]domain.Variable, error)
	DeleteVariable(ctx context.Context, name string) error
}

// SubmitTaskRequest is a task submission payload. The document is flat: the
// canonical fields below sit alongside the runner-specific ones (job,
// resources, runtime, ...), and the whole document is persisted verbatim as
// submitted_configs for the runner to decode.
type SubmitTaskRequest struct {
	TaskType           string          `json:"task_type"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Priority           int             `json:"priority"`
	TaskTimeoutSeconds int             `json:"task_timeout_seconds"`
	NotificationConfig domain.Document `json:"notification_config"`
	Tags               []string        `json:"tags"`
	CreatedBy          string          `json:"created_by"`

	// Payload is the full submission document, runner-specific fields
	// included.
	Payload domain.Document `json:"-"`
}

// UnmarshalJSON decodes the canonical fields and keeps the whole document as
// the payload.
func (r *SubmitTaskRequest) UnmarshalJSON(data []byte) error {
	type plain SubmitTaskRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &p.Payload); err != nil {
		return err
	}
	*r = SubmitTaskRequest(p)
	return nil
}

// TaskService drives the task lifecycle. Implemented by the manager.
type TaskService interface {
	// SubmitTask validates, persists and launches a task, returning the
	// persisted row in PENDING state. Execution proceeds detached.
	SubmitTask(ctx context.Context, req SubmitTaskRequest) (*domain.Task, error)

	// CancelTask requests cancellation. Conflicts unless the task is in a
	// cancellable state.
	CancelTask(ctx context.Context, taskID string, force bool) error

	// TaskLogs returns recent log entries for the task, filtered by level.
	TaskLogs(ctx context.Context, taskID, level string) ([]domain.LogEntry, error)

	// TaskResults returns the result payload of a COMPLETED task;
	// domain.ErrTaskConflict otherwise.
	TaskResults(ctx context.Context, taskID string) (domain.Document, error)

	// PermanentlyDeleteTask removes a terminal or expired task and its
	// journal for good.
	PermanentlyDeleteTask(ctx context.Context, taskID string) error
}
