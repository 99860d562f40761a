package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/domain"
	"github.com/taskplane/taskplane/internal/resources"
	"github.com/taskplane/taskplane/internal/task"
)

// fakeCDCHome writes a stand-in flink-cdc.sh that runs the given shell body.
func fakeCDCHome(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	bin := filepath.Join(home, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "flink-cdc.sh"), []byte(script), 0o755))
	return home
}

func newCdcTask(t *testing.T) *task.CdcPipeline {
	t.Helper()
	created := time.Now()
	expires := created.Add(time.Hour)
	row := &domain.Task{
		TaskID:    "flink_cdc_pipeline_" + domain.ShortID(9),
		TaskType:  task.TypeCdcPipeline,
		TaskName:  "test-pipeline",
		CreatedAt: created,
		ExpiresAt: &expires,
		SubmittedConfigs: domain.Document{
			"job": map[string]any{
				"source": map[string]any{"type": "values"},
				"sink":   map[string]any{"type": "print"},
			},
		},
	}
	pipeline, err := task.CdcPipelineFromRow(row, nil)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(pipeline.LogFile()) })
	return pipeline
}

func newCdcRunner(t *testing.T, cdcHome string) *CdcRunner {
	t.Helper()
	flinkHome := t.TempDir()
	res := resources.NewManager(flinkHome, cdcHome, nil)
	r := NewCdcRunner(flinkHome, cdcHome, res, nil, nil)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func waitStatus(t *testing.T, r *CdcRunner, taskID string, want domain.TaskStatus) Update {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		update, err := r.FetchStatus(context.Background(), taskID)
		require.NoError(t, err)
		if update.Status == want {
			return update
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return Update{}
}

func TestCdcSubmitCompletes(t *testing.T) {
	home := fakeCDCHome(t, `echo "Job has been submitted with JobID abcdef0123456789"; exit 0`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	update, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, update.Status)
	assert.Equal(t, pipeline.LogFile(), update.ExecutionDetails["log_file"])
	assert.Contains(t, update.ExecutionDetails["command"], "--flink-home")

	final := waitStatus(t, r, pipeline.TaskID, domain.StatusCompleted)
	assert.Equal(t, true, final.ResultSummary["success"])
	assert.Equal(t, 0, final.ResultSummary["exit_code"])
	assert.Equal(t, "abcdef0123456789", final.ResultSummary["flink_job_id"])

	result := r.Result(pipeline.TaskID)
	require.NotNil(t, result)
	assert.Equal(t, 0, result["exit_code"])
}

func TestCdcSubmitFailure(t *testing.T) {
	home := fakeCDCHome(t, `echo "could not deploy" >&2; exit 3`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	_, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)

	final := waitStatus(t, r, pipeline.TaskID, domain.StatusFailed)
	assert.Equal(t, 3, final.ErrorInfo["exit_code"])
	assert.Equal(t, "ExecutionError", final.ErrorInfo["error_type"])
	assert.Contains(t, final.ErrorInfo["error"], "exited with code 3")
	assert.NotEmpty(t, final.ErrorInfo["timestamp"])
}

func TestCdcSubmitMissingBinary(t *testing.T) {
	r := newCdcRunner(t, filepath.Join(t.TempDir(), "absent"))
	pipeline := newCdcTask(t)

	update, err := r.Submit(context.Background(), pipeline)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTaskExecution)
	assert.Equal(t, domain.StatusFailed, update.Status)
	assert.NotEmpty(t, update.ErrorInfo["error"])
}

func TestCdcCancelTerminates(t *testing.T) {
	home := fakeCDCHome(t, `sleep 60`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	_, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Cancel(context.Background(), pipeline.TaskID, false) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return")
	}

	update, err := r.FetchStatus(context.Background(), pipeline.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, update.Status)
}

func TestCdcCancelForce(t *testing.T) {
	// Trap TERM so only SIGKILL can stop it.
	home := fakeCDCHome(t, `trap '' TERM; sleep 60`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	_, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Cancel(context.Background(), pipeline.TaskID, true))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCdcFetchStatusConcurrent(t *testing.T) {
	home := fakeCDCHome(t, `echo "Job has been submitted with JobID abcdef0123456789"; sleep 2`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	_, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)

	// Status monitor and timeout supervisor poll the same execution; the job
	// id cache must hold up under concurrent fetches.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := r.FetchStatus(context.Background(), pipeline.TaskID)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestCdcFetchStatusUntracked(t *testing.T) {
	r := newCdcRunner(t, t.TempDir())

	_, err := r.FetchStatus(context.Background(), "flink_cdc_pipeline_unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotTracked)
}

func TestCdcLogSummary(t *testing.T) {
	home := fakeCDCHome(t, `exit 0`)
	r := newCdcRunner(t, home)
	pipeline := newCdcTask(t)

	_, err := r.Submit(context.Background(), pipeline)
	require.NoError(t, err)
	waitStatus(t, r, pipeline.TaskID, domain.StatusCompleted)

	entries := r.LogSummary(pipeline.TaskID, "", 0)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "starting flink cdc pipeline")

	infoOnly := r.LogSummary(pipeline.TaskID, domain.LogLevelInfo, 1)
	assert.Len(t, infoOnly, 1)
}

func TestCdcBuildArgs(t *testing.T) {
	r := NewCdcRunner("/opt/flink", "/opt/flink-cdc", nil, nil, nil)

	pipeline := &task.CdcPipeline{
		Runtime: task.CdcRuntimeOptions{
			SavepointPath:         "s3://sp/1",
			AllowNonRestoredState: true,
			ClaimMode:             "no_claim",
			Target:                "remote",
			UseMiniCluster:        true,
			GlobalConfig:          "/etc/flink/conf.yaml",
		},
	}

	args := r.buildArgs(pipeline, "/tmp/job-config.yaml", []string{"/a.jar", "/b.jar"})
	assert.Equal(t, []string{
		"--flink-home", "/opt/flink",
		"--jar", "/a.jar,/b.jar",
		"--from-savepoint", "s3://sp/1",
		"--allow-nonRestored-state",
		"--claim-mode", "no_claim",
		"--target", "remote",
		"--use-mini-cluster",
		"--global-config", "/etc/flink/conf.yaml",
		"/tmp/job-config.yaml",
	}, args)
}

func TestCdcBuildEnv(t *testing.T) {
	r := NewCdcRunner("/opt/flink", "/opt/flink-cdc", nil, nil, nil)

	env := r.buildEnv(map[string]string{"parallelism": "4"}, []string{"/cp/a.jar"})

	m := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "4", m["PARALLELISM"])
	assert.NotEmpty(t, m["FLINK_HOME"])
	assert.Contains(t, m["CLASSPATH"], "/cp/a.jar")
}
