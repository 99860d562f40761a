// Package runner defines the execution engine abstraction behind the task
// manager: each task type maps to one Runner that knows how to validate,
// launch, observe and cancel that kind of workload.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/taskplane/taskplane/internal/domain"
)

// ErrUnknownTaskType indicates no runner is registered for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// ErrTaskNotTracked indicates the runner has no live execution for the id.
// Happens after a restart: the row survives in Postgres, the process state
// does not.
var ErrTaskNotTracked = errors.New("task not tracked by runner")

// Task is a live, runner-specific task instance produced by Prepare.
type Task interface {
	ID() string
}

// Update captures the runner-side state the manager persists after each
// interaction.
type Update struct {
	Status           domain.TaskStatus
	ErrorInfo        domain.Document
	ResultSummary    domain.Document
	ExecutionDetails domain.Document
	ProgressDetails  domain.Document
}

// Runner executes tasks of one type.
type Runner interface {
	// ValidateConfig checks a submission payload before anything is spent
	// on it. Returns domain.ErrUnprocessableTask for bad payloads.
	ValidateConfig(config domain.Document) error

	// Prepare hydrates a runner task from the persisted row, with variable
	// references already rendered into vars.
	Prepare(row *domain.Task, vars map[string]string) (Task, error)

	// Submit launches a prepared task. The returned Update reflects the
	// launch outcome: RUNNING for detached workloads, terminal for
	// workloads that finish synchronously.
	Submit(ctx context.Context, t Task) (Update, error)

	// FetchStatus re-queries the underlying engine for fresh task state.
	FetchStatus(ctx context.Context, taskID string) (Update, error)

	// LogSummary returns up to limit recent log entries, filtered by level
	// ("" for all).
	LogSummary(taskID, level string, limit int) []domain.LogEntry

	// Result returns the task's result payload, or nil.
	Result(taskID string) domain.Document

	// Cancel stops a running task. force escalates straight to SIGKILL for
	// subprocess-backed runners.
	Cancel(ctx context.Context, taskID string, force bool) error

	// Shutdown force-cancels everything the runner still tracks and
	// releases its resources.
	Shutdown(ctx context.Context) error
}

// logSummaryLimit is the default entry cap for LogSummary calls.
const logSummaryLimit = 100

// Registry maps task types to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a task type to a runner, replacing any previous binding.
func (r *Registry) Register(taskType string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[taskType] = runner
}

// Get returns the runner for a task type.
func (r *Registry) Get(taskType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return runner, nil
}

// Types returns the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Shutdown shuts every registered runner down.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for taskType, runner := range r.runners {
		if err := runner.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown %s runner: %w", taskType, err)
		}
	}
	return firstErr
}
