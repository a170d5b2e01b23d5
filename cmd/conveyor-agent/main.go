// Command conveyor-agent is the remote build worker: it registers with
// the master, heartbeats, accepts dispatched builds over HTTP, runs
// them through the shared executor, and streams events, results, and
// artifacts back.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/conveyorci/conveyor/pkg/agentd"
	"github.com/conveyorci/conveyor/pkg/approval"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/pipeline"
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

	agentCfg := config.LoadAgentConfig()
	if agentCfg.MasterURL == "" || agentCfg.AdvertiseURL == "" {
		slog.Error("MASTER_URL and AGENT_ADVERTISE_URL are required")
		os.Exit(1)
	}

	cfg := config.Load()
	// Dedup is the master's call, and delta bases live on the master, so
	// both stay off here regardless of the shared defaults.
	cfg.Runner.DedupEnabled = false
	cfg.Runner.IncrementalArtifacts = false

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open local store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus(st, cfg.Events)
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
	}

	exec := executor.New(st, bus, workspaces, caches, approvals, secretsSvc,
		pipeline.NewRegistry(), executor.Hooks{Checkout: scm.Checkout},
		cfg.Runner, cfg.Workspace)

	client := agentd.NewClient(agentCfg)
	worker := agentd.NewWorker(st, bus, exec, client, agentCfg, cfg.Runner)
	server := agentd.NewServer(worker, agentCfg)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	if err := client.Register(ctx); err != nil {
		slog.Error("Failed to register with master", "error", err)
		os.Exit(1)
	}
	go client.RunHeartbeats(ctx, worker.ActiveCount)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		slog.Error("Agent server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Agent shutdown incomplete", "error", err)
	}

	// Bounded wait for in-flight builds to finish reporting.
	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Runner.GracefulShutdownTimeout):
		slog.Warn("Builds still active at shutdown", "active", worker.ActiveCount())
	}
	slog.Info("Agent stopped", "name", agentCfg.Name)
}

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
