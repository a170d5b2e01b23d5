// Command conveyor is the master: it serves the API, runs the local
// build pool, dispatches to agents, and, when leader, drives the queue
// drainer, orphan monitor, approval scanner, and retention service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/conveyorci/conveyor/pkg/agents"
	"github.com/conveyorci/conveyor/pkg/api"
	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/cleanup"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/dispatch"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/leader"
	"github.com/conveyorci/conveyor/pkg/pipeline"
	"github.com/conveyorci/conveyor/pkg/queue"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/scm"
	"github.com/conveyorci/conveyor/pkg/secrets"
	"github.com/conveyorci/conveyor/pkg/store"
	"github.com/conveyorci/conveyor/pkg/workspace"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	instanceID := uuid.New().String()
	slog.Info("Master starting", "instance_id", instanceID)

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus(st, cfg.Events)
	registry := agents.NewRegistry(st, cfg.Dispatch)
	if err := registry.Hydrate(ctx); err != nil {
		slog.Error("Failed to hydrate agent registry", "error", err)
		os.Exit(1)
	}

	workspaces := workspace.NewManager(cfg.Workspace.Root)
	caches := cache.NewManager(st, cfg.Cache)
	approvals := approval.NewManager(st, bus)

	var secretsSvc *secrets.Service
	if cfg.Secrets.MasterKey != "" {
		secretsSvc, err = secrets.NewService(st, cfg.Secrets)
		if err != nil {
			slog.Error("Invalid secrets master key", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No secrets master key configured; secret resolution disabled")
	}

	exec := executor.New(st, bus, workspaces, caches, approvals, secretsSvc,
		pipeline.NewRegistry(), executor.Hooks{Checkout: scm.Checkout},
		cfg.Runner, cfg.Workspace)

	pool := runner.New(st, exec, cfg.Runner, instanceID)
	pool.Start(ctx)

	dispatcher := dispatch.New(st, registry, pool, cfg.Dispatch, cfg.Queue, cfg.Server.AgentToken)
	drainer := queue.NewDrainer(st, dispatcher, cfg.Queue, instanceID)
	retention := cleanup.NewService(st, caches, workspaces, cfg.Retention)

	elector := leader.NewElector(st, instanceID)
	elector.OnElected = func(roleCtx context.Context) {
		if cfg.Queue.Enabled {
			go drainer.Run(roleCtx)
		}
		go pool.RunOrphanMonitor(roleCtx)
		go approvals.RunScanner(roleCtx, cfg.Retention.ApprovalScanInterval)
		go retention.Run(roleCtx)
	}
	go elector.Run(ctx)

	server := api.NewServer(st, bus, registry, pool, dispatcher, approvals,
		cfg.Server, cfg.Workspace, instanceID)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	pool.Shutdown()
	slog.Info("Master stopped", "instance_id", instanceID)
}

// setupLogging configures the process-wide structured logger from
// LOG_LEVEL and LOG_FORMAT.
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
