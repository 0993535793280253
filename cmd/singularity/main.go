// Command singularity supervises a fleet of LLM agent subprocesses working a
// task queue: it claims tasks, pipelines issuer/worker/finisher agents over
// per-task workspace replicas, merges finished work back serially, and
// exposes a control socket plus an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/oms/singularity/internal/api"
	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/controlsock"
	"github.com/oms/singularity/internal/events/bus"
	"github.com/oms/singularity/internal/mergequeue"
	"github.com/oms/singularity/internal/pipeline"
	"github.com/oms/singularity/internal/registry"
	"github.com/oms/singularity/internal/replica"
	"github.com/oms/singularity/internal/spawner"
	"github.com/oms/singularity/internal/steering"
	"github.com/oms/singularity/internal/supervisor"
	"github.com/oms/singularity/internal/taskstore"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "singularity: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	for _, dir := range []string{cfg.Supervisor.SessionDir, cfg.Supervisor.CrashDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := taskstore.NewSQLiteStore(cfg.TaskStore.Path, cfg.Supervisor.ProjectRoot)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Ready(ctx); err != nil {
		return fmt.Errorf("task store not ready: %w", err)
	}

	var events bus.EventBus
	if cfg.Bus.URL != "" {
		nats, err := bus.NewNATSEventBus(cfg.Bus, log)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		events = nats
	} else {
		events = bus.NewMemoryEventBus(log)
	}
	defer events.Close()

	replicas := replica.NewManager(cfg.Supervisor.ReplicaRoot(), cfg.Supervisor.ProjectRoot,
		cfg.Replica.OverlayBinary, log)
	reg := registry.New(store, log)
	socketPath := filepath.Join(cfg.Supervisor.SessionDir, "singularity.sock")
	spawn := spawner.New(cfg.Agent, cfg.Supervisor, store, reg, replicas, events, socketPath, log)
	pipe := pipeline.New(store, store, reg, spawn, events, cfg.Supervisor.CrashDir(), log)
	steer := steering.New(reg, spawn, events, cfg.Supervisor.SteeringInterval(), log)
	queue := mergequeue.New()

	sup := supervisor.New(cfg.Supervisor, cfg.Replica.Enabled, supervisor.Deps{
		Store:     store,
		Scheduler: store,
		Registry:  reg,
		Spawner:   spawn,
		Pipeline:  pipe,
		Steering:  steer,
		Replicas:  replicas,
		Queue:     queue,
		Events:    events,
	}, log)

	sock := controlsock.New(socketPath, sup, log)
	if err := sock.Start(); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	defer sock.Close()

	server := api.New(cfg.Server, sup, reg, events, log)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start api: %w", err)
	}

	sup.Start(ctx)
	log.Info("singularity running",
		zap.String("project_root", cfg.Supervisor.ProjectRoot),
		zap.String("session_dir", cfg.Supervisor.SessionDir))

	<-ctx.Done()
	log.Info("shutting down", zap.Duration("grace", cfg.Supervisor.ShutdownGrace()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownGrace())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Shutdown(shutdownCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		// Grace expired; force-kill what is left.
		for _, agent := range reg.GetAll() {
			agent.RPC.ForceKill()
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown failed", zap.Error(err))
	}
	log.Info("singularity stopped")
	return nil
}
