// Package manager drives the task lifecycle: it validates submissions,
// persists every status transition through the journaled store, hands tasks
// to their runners and supervises them until they reach a terminal state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskplane/taskplane/internal/api"
	"github.com/taskplane/taskplane/internal/domain"
	"github.com/taskplane/taskplane/internal/runner"
	"github.com/taskplane/taskplane/internal/secrets"
)

// Monitor polling starts fast to catch quick failures, then backs off.
const (
	monitorInitialInterval = 200 * time.Millisecond
	monitorMaxInterval     = 30 * time.Second
	monitorLogEntries      = 100
)

// defaultTaskTimeoutSeconds applies when a submission carries no timeout.
const defaultTaskTimeoutSeconds = 3600

const actorSystem = "system"

// TaskManager implements api.TaskService on top of the task store, the
// variable store and the runner registry.
type TaskManager struct {
	store     api.TaskStore
	variables api.VariableStore
	cipher    *secrets.Cipher
	registry  *runner.Registry

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a TaskManager. Supervision goroutines run under the manager's
// own context so HTTP request cancellation never kills a launched task.
func New(store api.TaskStore, variables api.VariableStore, cipher *secrets.Cipher, registry *runner.Registry) *TaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{
		store:     store,
		variables: variables,
		cipher:    cipher,
		registry:  registry,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SubmitTask validates and persists a new task, then launches its execution
// detached from the caller's context.
func (m *TaskManager) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (*domain.Task, error) {
	if err := validateSubmission(req); err != nil {
		return nil, err
	}

	timeout := req.TaskTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTaskTimeoutSeconds
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(timeout) * time.Second)

	task := &domain.Task{
		TaskID:             domain.GenerateTaskID(req.TaskType),
		TaskType:           req.TaskType,
		TaskName:           req.Name,
		Description:        req.Description,
		Status:             domain.StatusPending,
		Priority:           req.Priority,
		CreatedAt:          now,
		ExpiresAt:          &expires,
		SubmittedConfigs:   req.Payload,
		NotificationConfig: req.NotificationConfig,
		CreatedBy:          req.CreatedBy,
		Tags:               req.Tags,
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	slog.Info("manager: task submitted",
		"task_id", task.TaskID, "task_type", task.TaskType, "created_by", task.CreatedBy)

	go m.executeTask(task)

	return task, nil
}

// validateSubmission checks the base fields. Everything else in the payload
// is the runner's business and is judged asynchronously, after acceptance.
func validateSubmission(req api.SubmitTaskRequest) error {
	if req.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", domain.ErrInvalidTask)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidTask)
	}
	if req.TaskTimeoutSeconds < 0 {
		return fmt.Errorf("%w: task_timeout_seconds must not be negative", domain.ErrInvalidTask)
	}
	return nil
}

// executeTask walks a freshly persisted task through validation, preparation
// and submission, then hands it to the supervisors.
func (m *TaskManager) executeTask(task *domain.Task) {
	ctx := m.baseCtx
	taskID := task.TaskID

	r, err := m.registry.Get(task.TaskType)
	if err != nil {
		m.failTask(ctx, taskID, "ConfigurationError", err.Error())
		return
	}

	if !m.transition(ctx, taskID, domain.StatusValidating, api.TaskPatch{Actor: actorSystem}) {
		return
	}
	if err := r.ValidateConfig(task.SubmittedConfigs); err != nil {
		m.failTask(ctx, taskID, "ValidationError", err.Error())
		return
	}

	if !m.transition(ctx, taskID, domain.StatusPreparing, api.TaskPatch{Actor: actorSystem}) {
		return
	}
	vars := m.resolveVariables(ctx)
	prepared, err := r.Prepare(task, vars)
	if err != nil {
		m.failTask(ctx, taskID, "PreparationError", err.Error())
		return
	}

	update, err := r.Submit(ctx, prepared)
	if err != nil {
		patch := patchFromUpdate(update)
		if patch.ErrorInfo == nil {
			patch.ErrorInfo = domain.ErrorInfo("ExecutionError", err.Error())
		}
		status := update.Status
		if !status.Terminal() {
			status = domain.StatusFailed
		}
		m.transition(ctx, taskID, status, patch)
		return
	}

	if !m.transition(ctx, taskID, update.Status, patchFromUpdate(update)) {
		return
	}
	if update.Status.Terminal() {
		return
	}

	go m.monitorTask(taskID, r)
	if task.TimeoutSeconds() > 0 {
		go m.superviseTimeout(task, r)
	}
}

// monitorTask polls the runner until the task settles, persisting progress
// along the way. The interval doubles after each poll so long-running
// streaming jobs do not hammer the engine.
func (m *TaskManager) monitorTask(taskID string, r runner.Runner) {
	ctx := m.baseCtx
	interval := monitorInitialInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if interval < monitorMaxInterval {
			interval *= 2
			if interval > monitorMaxInterval {
				interval = monitorMaxInterval
			}
		}

		update, err := r.FetchStatus(ctx, taskID)
		if err != nil {
			if errors.Is(err, runner.ErrTaskNotTracked) {
				slog.Warn("manager: task no longer tracked by runner, stopping monitor", "task_id", taskID)
				return
			}
			slog.Warn("manager: status poll failed", "task_id", taskID, "error", err)
			continue
		}

		patch := patchFromUpdate(update)
		if patch.ProgressDetails == nil {
			patch.ProgressDetails = domain.Document{}
		}
		patch.ProgressDetails["log_summary"] = r.LogSummary(taskID, "", monitorLogEntries)
		patch.ProgressDetails["current_status"] = string(update.Status)

		if update.Status.Terminal() && patch.ResultSummary == nil {
			patch.ResultSummary = r.Result(taskID)
		}

		if !m.transition(ctx, taskID, update.Status, patch) {
			return
		}
		if update.Status.Terminal() {
			slog.Info("manager: task settled", "task_id", taskID, "status", update.Status)
			return
		}
	}
}

// superviseTimeout force-fails the task when it outlives its timeout budget.
func (m *TaskManager) superviseTimeout(task *domain.Task, r runner.Runner) {
	ctx := m.baseCtx
	taskID := task.TaskID

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(*task.ExpiresAt)):
	}

	current, err := m.store.GetTask(ctx, taskID)
	if err != nil || current.Status.Terminal() {
		return
	}

	// Give the runner one last chance to report a terminal state before
	// declaring a timeout.
	if update, err := r.FetchStatus(ctx, taskID); err == nil && update.Status.Terminal() {
		m.transition(ctx, taskID, update.Status, patchFromUpdate(update))
		return
	}

	slog.Warn("manager: task timed out", "task_id", taskID, "timeout_seconds", task.TimeoutSeconds())
	m.transition(ctx, taskID, domain.StatusFailed, api.TaskPatch{
		ErrorInfo: domain.ErrorInfo("TaskTimeoutError",
			fmt.Sprintf("Task timed out after %d seconds", task.TimeoutSeconds())),
		Actor: actorSystem,
	})
	if err := r.Cancel(ctx, taskID, true); err != nil && !errors.Is(err, runner.ErrTaskNotTracked) {
		slog.Error("manager: failed to kill timed out task", "task_id", taskID, "error", err)
	}
}

// CancelTask requests cancellation of a live task.
func (m *TaskManager) CancelTask(ctx context.Context, taskID string, force bool) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Cancellable() {
		return fmt.Errorf("%w: task %s is %s and cannot be cancelled", domain.ErrTaskConflict, taskID, task.Status)
	}

	if err := m.store.UpdateTaskStatus(ctx, taskID, domain.StatusCancelling, api.TaskPatch{Actor: "user"}); err != nil {
		return err
	}

	r, err := m.registry.Get(task.TaskType)
	if err != nil {
		return err
	}
	if err := r.Cancel(ctx, taskID, force); err != nil && !errors.Is(err, runner.ErrTaskNotTracked) {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}

	err = m.store.UpdateTaskStatus(ctx, taskID, domain.StatusCancelled, api.TaskPatch{Actor: "user"})
	if err != nil && !errors.Is(err, domain.ErrTaskConflict) {
		return err
	}
	slog.Info("manager: task cancelled", "task_id", taskID, "force", force)
	return nil
}

// TaskLogs returns recent log entries for a task, optionally filtered by
// level.
func (m *TaskManager) TaskLogs(ctx context.Context, taskID, level string) ([]domain.LogEntry, error) {
	switch level {
	case "", domain.LogLevelInfo, domain.LogLevelWarning, domain.LogLevelError, domain.LogLevelCritical:
	default:
		return nil, fmt.Errorf("%w: unknown log level %q", domain.ErrInvalidTask, level)
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r, err := m.registry.Get(task.TaskType)
	if err != nil {
		return nil, err
	}
	return r.LogSummary(taskID, level, monitorLogEntries), nil
}

// TaskResults returns the result payload of a COMPLETED task.
func (m *TaskManager) TaskResults(ctx context.Context, taskID string) (domain.Document, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s, results are only available once COMPLETED",
			domain.ErrTaskConflict, taskID, task.Status)
	}

	if r, err := m.registry.Get(task.TaskType); err == nil {
		if result := r.Result(taskID); result != nil {
			return result, nil
		}
	}
	return task.ResultSummary, nil
}

// PermanentlyDeleteTask removes a terminal or expired task and its journal.
// Soft-deleted rows are eligible too.
func (m *TaskManager) PermanentlyDeleteTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err == nil {
		if !task.Status.Terminal() && !task.Expired() {
			return fmt.Errorf("%w: task %s is still %s", domain.ErrTaskConflict, taskID, task.Status)
		}
	} else if !errors.Is(err, domain.ErrTaskNotFound) {
		return err
	}

	if err := m.store.DeleteTaskEvents(ctx, taskID); err != nil {
		return err
	}
	if err := m.store.HardDeleteTask(ctx, taskID); err != nil {
		return err
	}
	slog.Info("manager: task permanently deleted", "task_id", taskID)
	return nil
}

// Shutdown stops supervision and shuts every runner down.
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.cancel()
	return m.registry.Shutdown(ctx)
}

// transition persists a status change. A conflict means another supervisor
// already moved the task to a terminal state; the caller should stop.
func (m *TaskManager) transition(ctx context.Context, taskID string, status domain.TaskStatus, patch api.TaskPatch) bool {
	if patch.Actor == "" {
		patch.Actor = actorSystem
	}
	if err := m.store.UpdateTaskStatus(ctx, taskID, status, patch); err != nil {
		if errors.Is(err, domain.ErrTaskConflict) {
			return false
		}
		slog.Error("manager: failed to persist status", "task_id", taskID, "status", status, "error", err)
		return false
	}
	return true
}

// failTask persists a FAILED state with structured error info.
func (m *TaskManager) failTask(ctx context.Context, taskID, errorType, message string) {
	slog.Warn("manager: task failed", "task_id", taskID, "error_type", errorType, "error", message)
	m.transition(ctx, taskID, domain.StatusFailed, api.TaskPatch{
		ErrorInfo: domain.ErrorInfo(errorType, message),
		Actor:     actorSystem,
	})
}

// resolveVariables decrypts every stored variable and overlays the synthetic
// system variables. A variable that fails to decrypt is skipped so one bad
// entry does not block unrelated tasks.
func (m *TaskManager) resolveVariables(ctx context.Context) map[string]string {
	vars := make(map[string]string)

	if m.variables != nil && m.cipher != nil {
		stored, err := m.variables.ListVariables(ctx)
		if err != nil {
			slog.Error("manager: failed to list variables", "error", err)
		}
		for _, v := range stored {
			plain, err := m.cipher.Open(v.EncryptedValue)
			if err != nil {
				slog.Warn("manager: failed to decrypt variable, skipping", "name", v.Name, "error", err)
				continue
			}
			vars[v.Name] = plain
		}
	}

	for name, value := range secrets.System() {
		vars[name] = value
	}
	return vars
}

// patchFromUpdate maps a runner update onto a store patch.
func patchFromUpdate(u runner.Update) api.TaskPatch {
	return api.TaskPatch{
		ErrorInfo:        u.ErrorInfo,
		ResultSummary:    u.ResultSummary,
		ExecutionDetails: u.ExecutionDetails,
		ProgressDetails:  u.ProgressDetails,
		Actor:            actorSystem,
	}
}
