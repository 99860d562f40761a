package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskplane/taskplane/internal/domain"
	"github.com/taskplane/taskplane/internal/jobmanager"
	"github.com/taskplane/taskplane/internal/logfile"
	"github.com/taskplane/taskplane/internal/resources"
	"github.com/taskplane/taskplane/internal/task"
)

// terminateGrace is how long a SIGTERM'd pipeline gets before SIGKILL.
const terminateGrace = 30 * time.Second

// jobIDPattern scrapes the engine-assigned job id out of submission output.
// Best effort: the engine does not expose the id any other way from the CLI.
var jobIDPattern = regexp.MustCompile(`Job has been submitted with JobID ([a-f0-9]+)`)

// cdcExecution tracks one live CDC pipeline subprocess.
type cdcExecution struct {
	task *task.CdcPipeline
	cmd  *exec.Cmd
	log  *logfile.Manager

	tempDir string
	jobID   string

	done     chan struct{}
	exitCode int
	exitErr  error
}

// exited reports whether the subprocess has finished, without blocking.
func (e *cdcExecution) exited() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// CdcRunner launches Flink CDC pipelines through the flink-cdc.sh CLI and
// tracks the resulting engine jobs through the job manager.
type CdcRunner struct {
	flinkHome    string
	flinkCDCHome string
	resources    *resources.Manager
	jobManager   *jobmanager.Client
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*cdcExecution
}

// NewCdcRunner creates a CDC pipeline runner. jobManager may be nil; status
// then degrades to process-level tracking only.
func NewCdcRunner(flinkHome, flinkCDCHome string, res *resources.Manager, jm *jobmanager.Client, logger *slog.Logger) *CdcRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CdcRunner{
		flinkHome:    flinkHome,
		flinkCDCHome: flinkCDCHome,
		resources:    res,
		jobManager:   jm,
		logger:       logger,
		active:       make(map[string]*cdcExecution),
	}
}

// ValidateConfig implements Runner.
func (r *CdcRunner) ValidateConfig(config domain.Document) error {
	return task.ValidateCdcConfig(config)
}

// Prepare implements Runner.
func (r *CdcRunner) Prepare(row *domain.Task, vars map[string]string) (Task, error) {
	return task.CdcPipelineFromRow(row, vars)
}

// Submit launches the pipeline subprocess and returns RUNNING. The process
// is supervised by a goroutine that records the exit code.
func (r *CdcRunner) Submit(ctx context.Context, t Task) (Update, error) {
	pipeline, ok := t.(*task.CdcPipeline)
	if !ok {
		return Update{}, fmt.Errorf("%w: expected CDC pipeline task, got %T", domain.ErrTaskExecution, t)
	}

	exe := &cdcExecution{task: pipeline, done: make(chan struct{})}

	failed := func(err error) (Update, error) {
		r.cleanupExecution(exe)
		return Update{
			Status:    domain.StatusFailed,
			ErrorInfo: domain.ErrorInfo("ExecutionError", err.Error()),
		}, fmt.Errorf("%w: %v", domain.ErrTaskExecution, err)
	}

	tempDir, err := os.MkdirTemp("", "flink_cdc_"+pipeline.TaskID+"_")
	if err != nil {
		return failed(fmt.Errorf("create work dir: %v", err))
	}
	exe.tempDir = tempDir

	configPath := filepath.Join(tempDir, "job-config.yaml")
	jobYAML, err := yaml.Marshal(pipeline.Job)
	if err != nil {
		return failed(fmt.Errorf("encode job config: %v", err))
	}
	if err := os.WriteFile(configPath, jobYAML, 0o644); err != nil {
		return failed(fmt.Errorf("write job config: %v", err))
	}

	resolved, err := r.resources.ProcessResources(ctx, pipeline.Resources)
	if err != nil {
		return failed(fmt.Errorf("resolve resources: %v", err))
	}

	log, err := logfile.Open(pipeline.LogFile())
	if err != nil {
		return failed(err)
	}
	exe.log = log

	args := r.buildArgs(pipeline, configPath, resolved.JarPaths)
	cmd := exec.Command(r.flinkCDCHome+"/bin/flink-cdc.sh", args...)
	cmd.Env = r.buildEnv(pipeline.Environment, resolved.ClasspathJars)
	cmd.Stdout = log.File()
	cmd.Stderr = log.File()
	exe.cmd = cmd

	log.Info("starting flink cdc pipeline: %s", pipeline.Name)
	log.Info("command: %s", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		log.Error("failed to start pipeline: %v", err)
		log.Close()
		return failed(fmt.Errorf("start pipeline: %v", err))
	}

	go func() {
		err := cmd.Wait()
		exe.exitCode = cmd.ProcessState.ExitCode()
		exe.exitErr = err
		close(exe.done)
		if err != nil {
			log.Error("pipeline exited: %v", err)
		} else {
			log.Info("pipeline exited cleanly")
		}
	}()

	r.mu.Lock()
	r.active[pipeline.TaskID] = exe
	r.mu.Unlock()

	r.logger.Info("cdc pipeline submitted", "task_id", pipeline.TaskID, "pid", cmd.Process.Pid)

	return Update{
		Status: domain.StatusRunning,
		ExecutionDetails: domain.Document{
			"log_file": pipeline.LogFile(),
			"command":  strings.Join(cmd.Args, " "),
		},
	}, nil
}

// buildArgs assembles the flink-cdc.sh argument list from the task's runtime
// options. The job config path goes last.
func (r *CdcRunner) buildArgs(pipeline *task.CdcPipeline, configPath string, jarPaths []string) []string {
	args := []string{"--flink-home", r.flinkHome}

	if len(jarPaths) > 0 {
		args = append(args, "--jar", strings.Join(jarPaths, ","))
	}

	rt := pipeline.Runtime
	if rt.SavepointPath != "" {
		args = append(args, "--from-savepoint", rt.SavepointPath)
		if rt.AllowNonRestoredState {
			args = append(args, "--allow-nonRestored-state")
		}
	}
	if rt.ClaimMode != "" {
		args = append(args, "--claim-mode", rt.ClaimMode)
	}
	if rt.Target != "" {
		args = append(args, "--target", rt.Target)
	}
	if rt.UseMiniCluster {
		args = append(args, "--use-mini-cluster")
	}
	if rt.GlobalConfig != "" {
		args = append(args, "--global-config", rt.GlobalConfig)
	}

	return append(args, configPath)
}

// buildEnv copies the daemon environment, overlays the task's environment
// map (keys upper-cased), guarantees FLINK_HOME, and extends CLASSPATH with
// the classpath jars.
func (r *CdcRunner) buildEnv(overlay map[string]string, classpathJars []string) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		env[strings.ToUpper(k)] = v
	}
	if env["FLINK_HOME"] == "" {
		env["FLINK_HOME"] = r.flinkHome
	}
	if len(classpathJars) > 0 {
		cp := strings.Join(classpathJars, string(os.PathListSeparator))
		if existing := env["CLASSPATH"]; existing != "" {
			cp = existing + string(os.PathListSeparator) + cp
		}
		env["CLASSPATH"] = cp
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// FetchStatus implements Runner. A live subprocess is RUNNING unless the
// engine reports otherwise for the scraped job id; an exited subprocess maps
// exit code 0 to COMPLETED and anything else to FAILED.
func (r *CdcRunner) FetchStatus(ctx context.Context, taskID string) (Update, error) {
	exe := r.lookup(taskID)
	if exe == nil {
		return Update{}, fmt.Errorf("%w: %s", ErrTaskNotTracked, taskID)
	}

	if !exe.exited() {
		return r.liveStatus(ctx, exe), nil
	}

	if exe.exitCode == 0 {
		return Update{
			Status: domain.StatusCompleted,
			ResultSummary: domain.Document{
				"success":      true,
				"exit_code":    exe.exitCode,
				"flink_job_id": r.scrapeJobID(exe),
				"message":      "pipeline deployed",
			},
		}, nil
	}
	info := domain.ErrorInfo("ExecutionError", fmt.Sprintf("pipeline exited with code %d", exe.exitCode))
	info["exit_code"] = exe.exitCode
	return Update{Status: domain.StatusFailed, ErrorInfo: info}, nil
}

// liveStatus consults the job manager when a job id is known.
func (r *CdcRunner) liveStatus(ctx context.Context, exe *cdcExecution) Update {
	jobID := r.scrapeJobID(exe)
	if jobID == "" || r.jobManager == nil {
		return Update{Status: domain.StatusRunning}
	}

	details, err := r.jobManager.GetJobDetails(ctx, jobID)
	if err != nil {
		r.logger.Warn("job manager lookup failed", "task_id", exe.task.TaskID, "job_id", jobID, "error", err)
		return Update{Status: domain.StatusRunning}
	}

	switch details.State {
	case jobmanager.JobStateRunning, jobmanager.JobStateCreated, jobmanager.JobStateRestarting:
		return Update{
			Status:          domain.StatusRunning,
			ProgressDetails: domain.Document{"flink_job_id": jobID, "flink_state": details.State},
		}
	case jobmanager.JobStateFinished, jobmanager.JobStateCompleted:
		return Update{
			Status:        domain.StatusCompleted,
			ResultSummary: domain.Document{"success": true, "flink_job_id": jobID},
		}
	case jobmanager.JobStateFailed, jobmanager.JobStateFailing:
		info := domain.ErrorInfo("ExecutionError",
			fmt.Sprintf("flink job %s is %s", jobID, details.State))
		info["flink_job_id"] = jobID
		info["flink_state"] = details.State
		if cause, err := r.jobManager.GetJobException(ctx, jobID); err == nil && cause != "" {
			info["stack_trace"] = cause
		}
		return Update{Status: domain.StatusFailed, ErrorInfo: info}
	case jobmanager.JobStateCanceled, jobmanager.JobStateCancelling:
		return Update{
			Status:        domain.StatusCancelled,
			ResultSummary: domain.Document{"flink_job_id": jobID, "flink_state": details.State},
		}
	default:
		return Update{Status: domain.StatusRunning}
	}
}

// scrapeJobID reads the job id out of the log file once and caches it. The
// cache is guarded by the runner mutex; the status monitor and the timeout
// supervisor both fetch status concurrently.
func (r *CdcRunner) scrapeJobID(exe *cdcExecution) string {
	r.mu.Lock()
	cached := exe.jobID
	r.mu.Unlock()
	if cached != "" {
		return cached
	}

	data, err := os.ReadFile(exe.task.LogFile())
	if err != nil {
		return ""
	}
	m := jobIDPattern.FindSubmatch(data)
	if m == nil {
		return ""
	}

	id := string(m[1])
	r.mu.Lock()
	exe.jobID = id
	r.mu.Unlock()
	return id
}

// LogSummary implements Runner.
func (r *CdcRunner) LogSummary(taskID, level string, limit int) []domain.LogEntry {
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
func (r *CdcRunner) Result(taskID string) domain.Document {
	exe := r.lookup(taskID)
	if exe == nil || !exe.exited() {
		return nil
	}
	return domain.Document{
		"exit_code":    exe.exitCode,
		"flink_job_id": r.scrapeJobID(exe),
		"log_file":     exe.task.LogFile(),
	}
}

// Cancel stops the pipeline subprocess: SIGTERM with a grace period, then
// SIGKILL. force skips the grace period.
func (r *CdcRunner) Cancel(ctx context.Context, taskID string, force bool) error {
	exe := r.lookup(taskID)
	if exe == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotTracked, taskID)
	}
	if exe.exited() {
		return nil
	}

	proc := exe.cmd.Process
	if force {
		exe.log.Warning("force killing pipeline")
		_ = proc.Kill()
		<-exe.done
		return nil
	}

	exe.log.Info("terminating pipeline")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: signal pipeline: %v", domain.ErrTaskExecution, err)
	}

	select {
	case <-exe.done:
	case <-time.After(terminateGrace):
		exe.log.Warning("pipeline ignored SIGTERM, killing")
		_ = proc.Kill()
		<-exe.done
	case <-ctx.Done():
		_ = proc.Kill()
		return ctx.Err()
	}
	return nil
}

// Shutdown force-kills every tracked pipeline and cleans up resources.
func (r *CdcRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	execs := make([]*cdcExecution, 0, len(r.active))
	for _, exe := range r.active {
		execs = append(execs, exe)
	}
	r.mu.Unlock()

	for _, exe := range execs {
		if !exe.exited() {
			_ = exe.cmd.Process.Kill()
			<-exe.done
		}
		r.cleanupExecution(exe)
	}

	r.resources.Cleanup()
	return nil
}

func (r *CdcRunner) lookup(taskID string) *cdcExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[taskID]
}

func (r *CdcRunner) cleanupExecution(exe *cdcExecution) {
	if exe.log != nil {
		_ = exe.log.Close()
	}
	if exe.tempDir != "" {
		_ = os.RemoveAll(exe.tempDir)
	}
}
