// Package main is the relayd entry point: the conversation session
// orchestrator serving the HTTP API and running the start-task pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relay/internal/api"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/service"
	convstore "github.com/relaydev/relay/internal/conversation/store"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/runtime/gateway"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/internal/starttask"
	"github.com/relaydev/relay/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting relayd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// Database pool shared by all stores.
	pool, driver, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()
	log.Info("database ready", zap.String("driver", driver))

	conversationStore, err := convstore.NewSQLStore(pool, driver)
	if err != nil {
		log.Fatal("failed to initialize conversation store", zap.Error(err))
	}
	taskStore, err := starttask.NewSQLStore(pool, driver)
	if err != nil {
		log.Fatal("failed to initialize start-task store", zap.Error(err))
	}

	// Runtime gateway + conversation orchestration.
	gw := gateway.NewClient(cfg.Runtime, log)
	conversations := service.NewService(conversationStore, gw, eventBus, log)

	// Sandbox provisioner is optional; the pipeline degrades without one.
	provisioner, err := sandbox.Provide(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("failed to initialize sandbox provisioner", zap.Error(err))
	}
	if provisioner != nil {
		defer func() { _ = provisioner.Close() }()
		if err := provisioner.HealthCheck(ctx); err != nil {
			log.Warn("sandbox provider unhealthy, tasks will run without sandboxes",
				zap.String("provider", provisioner.Name()), zap.Error(err))
		} else {
			log.Info("sandbox provider ready", zap.String("provider", provisioner.Name()))
		}
	}

	// Start-task pipeline.
	queue := starttask.NewQueue()
	notifier := starttask.NewNotifier()
	pipeline := starttask.NewPipeline(taskStore, queue, notifier, eventBus, cfg.StartTask, log)
	worker := starttask.NewWorker(taskStore, queue, notifier, eventBus, conversations, provisioner, log)

	server := api.NewServer(cfg.Server, conversations, pipeline, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run()
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("relayd exited with error", zap.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("relayd stopped")
}
