package api_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/taskplane/taskplane/internal/api"
	"github.com/taskplane/taskplane/internal/domain"
)

// memoryTaskStore is an in-memory api.TaskStore for handler tests.
type memoryTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	events map[string][]domain.TaskEvent
}

func newMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{
		tasks:  make(map[string]*domain.Task),
		events: make(map[string][]domain.TaskEvent),
	}
}

func (m *memoryTaskStore) CreateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	cp.Active = true
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.tasks[task.TaskID] = &cp
	m.events[task.TaskID] = append(m.events[task.TaskID], domain.TaskEvent{
		TaskID: task.TaskID, EventType: domain.EventTypeCreated, Timestamp: cp.CreatedAt,
	})
	return nil
}

func (m *memoryTaskStore) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || !task.Active {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	cp := *task
	return &cp, nil
}

func (m *memoryTaskStore) ListTasks(_ context.Context, filter api.TaskFilter) (*api.TaskPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &api.TaskPage{Tasks: []domain.Task{}}
	for _, task := range m.tasks {
		if !task.Active && !filter.IncludeInactive {
			continue
		}
		if filter.TaskType != "" && task.TaskType != filter.TaskType {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if string(task.Status) == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		page.Tasks = append(page.Tasks, *task)
	}
	return page, nil
}

func (m *memoryTaskStore) UpdateTaskStatus(_ context.Context, taskID string, status domain.TaskStatus, patch api.TaskPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", domain.ErrTaskConflict, taskID, task.Status)
	}
	prev := task.Status
	task.Status = status
	m.events[taskID] = append(m.events[taskID], domain.TaskEvent{
		TaskID: taskID, EventType: domain.EventTypeStatusChange,
		PreviousStatus: &prev, NewStatus: &status, Actor: patch.Actor,
	})
	return nil
}

func (m *memoryTaskStore) ListTaskEvents(_ context.Context, taskID string) ([]domain.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskEvent(nil), m.events[taskID]...), nil
}

func (m *memoryTaskStore) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || !task.Active {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	task.Active = false
	return nil
}

func (m *memoryTaskStore) DeleteTaskEvents(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, taskID)
	return nil
}

func (m *memoryTaskStore) HardDeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	delete(m.tasks, taskID)
	return nil
}

// memoryVariableStore is an in-memory api.VariableStore for handler tests.
type memoryVariableStore struct {
	mu   sync.Mutex
	vars map[string]*domain.Variable
}

func newMemoryVariableStore() *memoryVariableStore {
	return &memoryVariableStore{vars: make(map[string]*domain.Variable)}
}

func (m *memoryVariableStore) UpsertVariable(_ context.Context, v *domain.Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.vars[v.Name]; ok {
		v.CreatedAt = existing.CreatedAt
		v.CreatedBy = existing.CreatedBy
	} else {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	cp := *v
	m.vars[v.Name] = &cp
	return nil
}

func (m *memoryVariableStore) GetVariable(_ context.Context, name string) (*domain.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %s", domain.ErrTaskNotFound, name)
	}
	cp := *v
	return &cp, nil
}

func (m *memoryVariableStore) ListVariables(_ context.Context) ([]domain.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Variable
	for _, v := range m.vars {
		out = append(out, *v)
	}
	return out, nil
}

func (m *memoryVariableStore) DeleteVariable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vars[name]; !ok {
		return fmt.Errorf("%w: variable %s", domain.ErrTaskNotFound, name)
	}
	delete(m.vars, name)
	return nil
}

// stubService is a scriptable api.TaskService.
type stubService struct {
	store *memoryTaskStore

	submitErr error
	cancelErr error
	logs      []domain.LogEntry
	logsErr   error
	results   domain.Document
	resultErr error
	deleteErr error
}

func (s *stubService) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (*domain.Task, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if req.TaskType == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: task_type and name are required", domain.ErrInvalidTask)
	}
	task := &domain.Task{
		TaskID:           domain.GenerateTaskID(req.TaskType),
		TaskType:         req.TaskType,
		TaskName:         req.Name,
		Status:           domain.StatusPending,
		SubmittedConfigs: req.Payload,
		CreatedBy:        req.CreatedBy,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *stubService) CancelTask(ctx context.Context, taskID string, _ bool) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Cancellable() {
		return fmt.Errorf("%w: task %s is %s", domain.ErrTaskConflict, taskID, task.Status)
	}
	return s.store.UpdateTaskStatus(ctx, taskID, domain.StatusCancelled, api.TaskPatch{Actor: "user"})
}

func (s *stubService) TaskLogs(ctx context.Context, taskID, _ string) ([]domain.LogEntry, error) {
	if s.logsErr != nil {
		return nil, s.logsErr
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.logs, nil
}

func (s *stubService) TaskResults(ctx context.Context, taskID string) (domain.Document, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrTaskConflict, taskID, task.Status)
	}
	return s.results, nil
}

func (s *stubService) PermanentlyDeleteTask(ctx context.Context, taskID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is still %s", domain.ErrTaskConflict, taskID, task.Status)
	}
	if err := s.store.DeleteTaskEvents(ctx, taskID); err != nil {
		return err
	}
	return s.store.HardDeleteTask(ctx, taskID)
}

// passthroughSealer avoids real key derivation in handler tests.
type passthroughSealer struct{}

func (passthroughSealer) Seal(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

// testEnv bundles a router and its backing fakes.
type testEnv struct {
	server  *api.Server
	router  http.Handler
	tasks   *memoryTaskStore
	vars    *memoryVariableStore
	service *stubService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tasks := newMemoryTaskStore()
	vars := newMemoryVariableStore()
	service := &stubService{store: tasks}
	srv := &api.Server{
		Tasks:     tasks,
		Variables: vars,
		Service:   service,
		Sealer:    passthroughSealer{},
		TaskTypes: []string{"flink_cdc_pipeline", "flink_sql"},
	}
	return &testEnv{
		server:  srv,
		router:  api.NewRouter(srv),
		tasks:   tasks,
		vars:    vars,
		service: service,
	}
}

// do executes an HTTP request against the router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
