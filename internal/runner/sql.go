package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskplane/taskplane/internal/domain"
	"github.com/taskplane/taskplane/internal/gateway"
	"github.com/taskplane/taskplane/internal/logfile"
	"github.com/taskplane/taskplane/internal/resources"
	"github.com/taskplane/taskplane/internal/task"
)

// sqlFetchInterval is the result poll interval per statement.
const sqlFetchInterval = 500 * time.Millisecond

// sqlRowLimit caps collected rows per statement.
const sqlRowLimit = 100

// sqlExecution tracks one task's gateway session and operations.
type sqlExecution struct {
	task    *task.SQL
	session *gateway.Session
	log     *logfile.Manager

	mu        sync.Mutex
	opHandles []string
	results   []domain.Document
	status    domain.TaskStatus
}

func (e *sqlExecution) lastOp() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.opHandles) == 0 {
		return ""
	}
	return e.opHandles[len(e.opHandles)-1]
}

// SQLRunner executes Flink SQL tasks through the SQL gateway: one session
// per task, statements in submission order.
type SQLRunner struct {
	client    *gateway.Client
	resources *resources.Manager
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*sqlExecution
}

// NewSQLRunner creates a SQL runner against the given gateway client.
func NewSQLRunner(client *gateway.Client, res *resources.Manager, logger *slog.Logger) *SQLRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRunner{
		client:    client,
		resources: res,
		logger:    logger,
		active:    make(map[string]*sqlExecution),
	}
}

// ValidateConfig implements Runner.
func (r *SQLRunner) ValidateConfig(config domain.Document) error {
	return task.ValidateSQLConfig(config)
}

// Prepare implements Runner.
func (r *SQLRunner) Prepare(row *domain.Task, vars map[string]string) (Task, error) {
	return task.SQLFromRow(row, vars)
}

// Submit opens a gateway session and executes the task's statements in
// order. Statement results are collected into the result summary as they
// stream in. COMPLETED when the final operation finished synchronously,
// RUNNING when it is still going (detached INSERT jobs).
func (r *SQLRunner) Submit(ctx context.Context, t Task) (Update, error) {
	sqlTask, ok := t.(*task.SQL)
	if !ok {
		return Update{}, fmt.Errorf("%w: expected SQL task, got %T", domain.ErrTaskExecution, t)
	}

	log, err := logfile.Open(sqlTask.LogFile())
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", domain.ErrTaskExecution, err)
	}

	exe := &sqlExecution{task: sqlTask, log: log, status: domain.StatusRunning}

	failed := func(err error) (Update, error) {
		log.Error("%v", err)
		exe.mu.Lock()
		exe.status = domain.StatusFailed
		exe.mu.Unlock()
		return Update{
			Status:           domain.StatusFailed,
			ErrorInfo:        domain.ErrorInfo("ExecutionError", err.Error()),
			ResultSummary:    exe.resultSummary(),
			ExecutionDetails: exe.executionDetails(),
		}, fmt.Errorf("%w: %v", domain.ErrTaskExecution, err)
	}

	props, err := r.sessionProperties(ctx, sqlTask)
	if err != nil {
		return failed(err)
	}

	log.Info("opening gateway session %s", sqlTask.SessionName())
	session, err := r.client.OpenSession(ctx, sqlTask.SessionName(), props)
	if err != nil {
		return failed(fmt.Errorf("open session: %v", err))
	}
	exe.session = session

	r.mu.Lock()
	r.active[sqlTask.TaskID] = exe
	r.mu.Unlock()

	lastStatus := gateway.OpStatusFinished
	for i, statement := range sqlTask.Statements {
		log.Info("executing statement %d/%d", i+1, len(sqlTask.Statements))

		opHandle, err := session.Execute(ctx, statement)
		if err != nil {
			return failed(fmt.Errorf("statement %d: %v", i+1, err))
		}
		exe.mu.Lock()
		exe.opHandles = append(exe.opHandles, opHandle)
		exe.mu.Unlock()

		fetched, err := session.FetchResults(ctx, opHandle, gateway.FetchOptions{
			PollInterval: sqlFetchInterval,
			MaxPoll:      time.Duration(sqlTask.ConnectionTimeoutSeconds) * time.Second,
			RowLimit:     sqlRowLimit,
		})
		if err != nil {
			return failed(fmt.Errorf("statement %d results: %v", i+1, err))
		}

		result := domain.Document{
			"statement":       statement,
			"rows":            fetched.Rows,
			"is_query_result": fetched.IsQueryResult,
		}
		if len(fetched.Columns) > 0 {
			cols := make([]string, len(fetched.Columns))
			for j, c := range fetched.Columns {
				cols[j] = c.Name
			}
			result["columns"] = cols
		}
		if fetched.JobID != "" {
			result["job_id"] = fetched.JobID
			log.Info("statement %d launched job %s", i+1, fetched.JobID)
		}
		exe.mu.Lock()
		exe.results = append(exe.results, result)
		exe.mu.Unlock()

		status, err := session.OperationStatus(ctx, opHandle)
		if err != nil {
			return failed(fmt.Errorf("statement %d status: %v", i+1, err))
		}
		if status == gateway.OpStatusError {
			return failed(fmt.Errorf("statement %d failed on the gateway", i+1))
		}
		lastStatus = status
	}

	status := domain.StatusRunning
	if lastStatus == gateway.OpStatusFinished {
		status = domain.StatusCompleted
		log.Info("all statements finished")
	}
	exe.mu.Lock()
	exe.status = status
	exe.mu.Unlock()

	return Update{
		Status:           status,
		ResultSummary:    exe.resultSummary(),
		ExecutionDetails: exe.executionDetails(),
	}, nil
}

// sessionProperties builds the gateway session properties from the task's
// pipeline settings and resolved resources.
func (r *SQLRunner) sessionProperties(ctx context.Context, sqlTask *task.SQL) (map[string]string, error) {
	props := map[string]string{
		"execution.runtime-mode": "streaming",
		"pipeline.name":          sqlTask.PipelineName,
		"parallelism.default":    strconv.Itoa(sqlTask.Parallelism),
	}

	if len(sqlTask.Resources) > 0 {
		resolved, err := r.resources.ProcessResources(ctx, sqlTask.Resources)
		if err != nil {
			return nil, fmt.Errorf("resolve resources: %v", err)
		}
		if len(resolved.JarPaths) > 0 {
			props["pipeline.jars"] = fileURIs(resolved.JarPaths)
		}
		if len(resolved.ClasspathJars) > 0 {
			props["pipeline.classpaths"] = fileURIs(resolved.ClasspathJars)
		}
	}
	return props, nil
}

// fileURIs joins local jar paths into the ';'-separated file URI list the
// gateway expects.
func fileURIs(paths []string) string {
	uris := make([]string, len(paths))
	for i, p := range paths {
		uris[i] = "file://" + p
	}
	return strings.Join(uris, ";")
}

func (e *sqlExecution) resultSummary() domain.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Document{"statements": append([]domain.Document(nil), e.results...)}
}

func (e *sqlExecution) executionDetails() domain.Document {
	details := domain.Document{
		"log_file":     e.task.LogFile(),
		"session_name": e.task.SessionName(),
	}
	if e.session != nil {
		details["session_id"] = e.session.Handle
	}
	return details
}

// FetchStatus implements Runner. The status of the final operation decides:
// FINISHED maps to COMPLETED, ERROR to FAILED, CANCELED to CANCELLED. A
// session the gateway no longer knows means the work finished and the
// gateway reaped it.
func (r *SQLRunner) FetchStatus(ctx context.Context, taskID string) (Update, error) {
	exe := r.lookup(taskID)
	if exe == nil {
		return Update{}, fmt.Errorf("%w: %s", ErrTaskNotTracked, taskID)
	}

	opHandle := exe.lastOp()
	if opHandle == "" || exe.session == nil {
		exe.mu.Lock()
		status := exe.status
		exe.mu.Unlock()
		return Update{Status: status, ResultSummary: exe.resultSummary(), ExecutionDetails: exe.executionDetails()}, nil
	}

	if !exe.session.Alive(ctx) {
		return Update{
			Status:           domain.StatusCompleted,
			ResultSummary:    exe.resultSummary(),
			ExecutionDetails: exe.executionDetails(),
		}, nil
	}

	opStatus, err := exe.session.OperationStatus(ctx, opHandle)
	if err != nil {
		return Update{}, fmt.Errorf("%w: operation status: %v", domain.ErrTaskExecution, err)
	}

	var status domain.TaskStatus
	switch opStatus {
	case gateway.OpStatusFinished:
		status = domain.StatusCompleted
	case gateway.OpStatusError:
		status = domain.StatusFailed
	case gateway.OpStatusCanceled:
		status = domain.StatusCancelled
	default:
		status = domain.StatusRunning
	}

	update := Update{
		Status:           status,
		ResultSummary:    exe.resultSummary(),
		ExecutionDetails: exe.executionDetails(),
	}
	if status == domain.StatusFailed {
		update.ErrorInfo = domain.ErrorInfo("ExecutionError", "gateway reported operation failure")
	}
	exe.mu.Lock()
	exe.status = status
	exe.mu.Unlock()
	return update, nil
}

// LogSummary implements Runner.
func (r *SQLRunner) LogSummary(taskID, level string, limit int) []domain.LogEntry {
	exe := r.lookup(taskID)
	if exe == nil {
		return nil
	}
	if limit <= 0 {
		limit = logSummaryLimit
	}
	entries, err := exe.log.Entries(level)
	if err != nil {
		r.logger.Warn("read task log failed", "task_id", taskID, "error", err)
		return nil
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// Result implements Runner.
func (r *SQLRunner) Result(taskID string) domain.Document {
	exe := r.lookup(taskID)
	if exe == nil {
		return nil
	}
	return exe.resultSummary()
}

// Cancel cancels every recorded operation and closes the session. A session
// the gateway already dropped counts as cancelled.
func (r *SQLRunner) Cancel(ctx context.Context, taskID string, _ bool) error {
	exe := r.lookup(taskID)
	if exe == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotTracked, taskID)
	}
	if exe.session == nil {
		return nil
	}

	if !exe.session.Alive(ctx) {
		exe.log.Info("session already gone, nothing to cancel")
		return nil
	}

	exe.mu.Lock()
	handles := append([]string(nil), exe.opHandles...)
	exe.mu.Unlock()

	for _, opHandle := range handles {
		if err := exe.session.CancelOperation(ctx, opHandle); err != nil {
			r.logger.Warn("cancel operation failed", "task_id", taskID, "operation", opHandle, "error", err)
		}
	}
	if err := exe.session.Close(ctx); err != nil {
		return fmt.Errorf("%w: close session: %v", domain.ErrTaskExecution, err)
	}

	exe.mu.Lock()
	exe.status = domain.StatusCancelled
	exe.mu.Unlock()
	exe.log.Info("session closed")
	return nil
}

// Shutdown closes every tracked session.
func (r *SQLRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	execs := make([]*sqlExecution, 0, len(r.active))
	for _, exe := range r.active {
		execs = append(execs, exe)
	}
	r.mu.Unlock()

	for _, exe := range execs {
		if exe.session != nil {
			_ = exe.session.Close(ctx)
		}
		_ = exe.log.Close()
	}
	if r.resources != nil {
		r.resources.Cleanup()
	}
	return nil
}

func (r *SQLRunner) lookup(taskID string) *sqlExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[taskID]
}
