// taskplaned is the task execution control plane for Flink workloads.
// It serves the REST API, persists tasks in Postgres, and supervises
// CDC pipeline and SQL task execution.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskplane/taskplane/internal/api"
	"github.com/taskplane/taskplane/internal/config"
	"github.com/taskplane/taskplane/internal/gateway"
	"github.com/taskplane/taskplane/internal/jobmanager"
	"github.com/taskplane/taskplane/internal/manager"
	"github.com/taskplane/taskplane/internal/postgres"
	"github.com/taskplane/taskplane/internal/resources"
	"github.com/taskplane/taskplane/internal/runner"
	"github.com/taskplane/taskplane/internal/secrets"
	"github.com/taskplane/taskplane/internal/task"
)

// logLevelFromEnv maps LOG_LEVEL to a slog level, defaulting to info.
func logLevelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /taskplaned healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8601/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	})))

	// Config: TASKPLANE_CONFIG env > ./taskplane.yaml > defaults + env.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	taskStore := postgres.NewTaskStore(pool)
	variableStore := postgres.NewVariableStore(pool)
	slog.Info("postgres stores initialized")

	var cipher *secrets.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = secrets.NewCipher(cfg.EncryptionKey)
		if err != nil {
			slog.Error("failed to initialize variable cipher", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("VARIABLE_ENCRYPTION_KEY not set, variable endpoints are disabled")
	}

	// Runner wiring: one resource manager shared by both runners, so a JAR
	// downloaded for a CDC pipeline is reusable by a SQL task.
	resourceMgr := resources.NewManager(cfg.FlinkHome, cfg.FlinkCDCHome, nil)
	jobManager := jobmanager.NewClient(cfg.JobManagerURL)
	gatewayClient := gateway.NewClient(cfg.SQLGatewayURL)

	registry := runner.NewRegistry()
	registry.Register(task.TypeCdcPipeline,
		runner.NewCdcRunner(cfg.FlinkHome, cfg.FlinkCDCHome, resourceMgr, jobManager, nil))
	registry.Register(task.TypeSQL,
		runner.NewSQLRunner(gatewayClient, resourceMgr, nil))
	slog.Info("runners registered", "task_types", registry.Types())

	taskManager := manager.New(taskStore, variableStore, cipher, registry)

	srv := &api.Server{
		Tasks:     taskStore,
		Variables: variableStore,
		Service:   taskManager,
		TaskTypes: registry.Types(),
		DBPing:    pool.Ping,
		APIToken:  cfg.APIToken,
	}
	if cipher != nil {
		srv.Sealer = cipher
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting taskplaned", "addr", cfg.ListenAddr,
		"sql_gateway", cfg.SQLGatewayURL, "job_manager", cfg.JobManagerURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections, then stop supervision and
	// kill whatever the runners still track.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := taskManager.Shutdown(shutdownCtx); err != nil {
		slog.Error("manager shutdown error", "error", err)
	}

	slog.Info("taskplaned stopped")
}
