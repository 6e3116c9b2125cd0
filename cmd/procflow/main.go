package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/procflow/procflow/internal/config"
	internalotel "github.com/procflow/procflow/internal/otel"
	"github.com/procflow/procflow/internal/rest"
	"github.com/procflow/procflow/pkg/engine"
	"github.com/procflow/procflow/pkg/engine/scheduler"
	"github.com/procflow/procflow/pkg/storage"
	boltstorage "github.com/procflow/procflow/pkg/storage/bolt"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

func main() {
	appContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := config.InitConfig()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.Info,
	})

	otl, err := internalotel.SetupOtel(conf.Name)
	if err != nil {
		logger.Error("failed to set up otel", "error", err)
		os.Exit(1)
	}

	var store storage.Storage
	var closeStore func() error
	switch conf.Storage.Type {
	case config.StorageTypeInMemory:
		store = inmemory.NewStorage()
		closeStore = func() error { return nil }
	default:
		boltStore, err := boltstorage.NewStorage(conf.Storage.Path)
		if err != nil {
			logger.Error("failed to open storage", "path", conf.Storage.Path, "error", err)
			os.Exit(1)
		}
		store = boltStore
		closeStore = boltStore.Close
	}

	eng := engine.NewEngine(
		engine.EngineWithStorage(store),
		engine.EngineWithLogger(logger),
	)

	sched := scheduler.NewScheduler(store, &eng, scheduler.Config{
		PollInterval:   conf.Scheduler.PollInterval,
		LockDuration:   conf.Scheduler.LockDuration,
		BatchSize:      conf.Scheduler.BatchSize,
		Workers:        conf.Scheduler.Workers,
		ReaperSchedule: conf.Scheduler.ReaperSchedule,
	}, logger)
	if err := sched.Start(appContext); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	server := rest.NewServer(&eng, conf, logger)
	if _, err := server.Start(); err != nil {
		logger.Error("failed to start rest server", "error", err)
		os.Exit(1)
	}

	handleSigterm(appContext, cancel, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop rest server", "error", err)
	}
	sched.Stop()
	if err := closeStore(); err != nil {
		logger.Error("failed to close storage", "error", err)
	}
	otl.Stop(shutdownCtx)
	logger.Info("shutdown complete")
}

// handleSigterm blocks until the process receives SIGINT or SIGTERM or the
// application context is cancelled.
func handleSigterm(ctx context.Context, cancel context.CancelFunc, logger hclog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	case <-ctx.Done():
	}
}
