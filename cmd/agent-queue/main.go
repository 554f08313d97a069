// Package main runs the agent-queue daemon: the task store, the
// heartbeat-driven scheduler, and the HTTP/WebSocket API in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/common/config"
	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/common/tracing"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/httpapi"
	"github.com/ajfrai/agent-queue/internal/orchestrator/heartbeat"
	"github.com/ajfrai/agent-queue/internal/orchestrator/scheduler"
	"github.com/ajfrai/agent-queue/internal/ratelimit"
	"github.com/ajfrai/agent-queue/internal/task/repository"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agent-queue: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agent-queue",
		zap.String("db", cfg.Database.Path),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Sessions.Dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	store, err := repository.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer func() { _ = busCleanup() }()

	emitter := events.NewEmitter(store, provided.Bus, log, "agent-queue")

	vcsAdapter, err := vcs.New(vcs.Config{
		WorktreesDir:  cfg.Worktrees.Dir,
		DefaultBranch: cfg.VCS.DefaultBranch,
		Remote:        cfg.VCS.Remote,
		Timeout:       cfg.VCS.Timeout(),
		PushTimeout:   cfg.VCS.PushTimeout(),
	}, log)
	if err != nil {
		return fmt.Errorf("initialize vcs adapter: %w", err)
	}

	// The agent adapter reports process exits to the scheduler, which in
	// turn launches through the adapter. Bind the callback through a
	// pointer that is set once the scheduler exists; nothing launches
	// before then.
	var sched *scheduler.Scheduler
	agent, err := agentcli.New(cfg.Agent.Binary, cfg.Sessions.Dir, log,
		func(res agentcli.ExitResult) {
			sched.OnSessionTerminated(context.Background(), res)
		})
	if err != nil {
		return fmt.Errorf("initialize agent adapter: %w", err)
	}

	assessor := assessment.NewEngine(cfg.Assessment, log)
	probe := ratelimit.New(cfg.Agent.UsageCachePath, store, emitter, log)

	sched = scheduler.New(store, emitter, assessor, agent, vcsAdapter, scheduler.Config{
		RepoDir:       cfg.Scheduler.RepoDir,
		DefaultBranch: cfg.VCS.DefaultBranch,
		DefaultModel:  cfg.Scheduler.DefaultModel,
		MaxRetries:    cfg.Scheduler.MaxRetries,
	}, log)

	if err := sched.ReconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("reconcile on startup: %w", err)
	}

	beats := heartbeat.New(sched, probe, emitter, heartbeat.Config{
		Interval:           cfg.Heartbeat.Interval(),
		AssessBatchSize:    cfg.Heartbeat.AssessBatchSize,
		MaxConcurrentTasks: cfg.Heartbeat.MaxConcurrentTasks,
	}, log)
	if err := beats.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	server := httpapi.New(&cfg.Server, store, sched, beats, provided.Bus, emitter, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Teardown mirrors startup order in reverse: stop accepting HTTP,
	// stop the beat loop, then let deferred cleanups close the bus,
	// store and logger.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	beats.Stop()
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("agent-queue stopped")
	return nil
}
