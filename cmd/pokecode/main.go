// Package main is the pokecode CLI: a local daemon that drives coding
// agent CLIs (Claude Code, Codex) behind an HTTP API with durable
// sessions, a job queue, and live event streaming.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/config"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/daemon"
	"github.com/pokecode/pokecode/internal/db"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/internal/queue"
	"github.com/pokecode/pokecode/internal/runner"
	"github.com/pokecode/pokecode/internal/server"
	"github.com/pokecode/pokecode/internal/session"
	"github.com/pokecode/pokecode/internal/tracing"
	"github.com/pokecode/pokecode/internal/worker"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "stop":
		os.Exit(runStop())
	case "status":
		os.Exit(runStatus())
	case "migrate":
		os.Exit(runMigrate())
	case "help", "-h", "--help":
		usage(os.Stdout)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(exitConfig)
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `pokecode - local daemon for coding agent CLIs

Usage:
  pokecode [serve]    start the daemon (default)
  pokecode stop       stop the running daemon
  pokecode status     report daemon state
  pokecode migrate    apply database migrations and exit
`)
}

func runServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.ZapLevel(),
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting pokecode",
		zap.String("database", cfg.DatabasePath),
		zap.Int("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.New(cfg.NATSURL, cfg.SSEBufferEvents, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		return exitError
	}
	defer eventBus.Close()

	database, err := db.Open(cfg.DatabasePath, db.Options{
		WAL:       cfg.DatabaseWAL,
		CacheSize: cfg.DatabaseCacheSize,
	})
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		return exitError
	}
	defer func() { _ = database.Close() }()

	queueStore := queue.NewStore(database)
	queueSvc := queue.NewService(queueStore, eventBus, queue.Options{
		LeaseTTL:    cfg.LeaseTTLDuration(),
		MaxBackoff:  cfg.MaxBackoffDuration(),
		MaxAttempts: cfg.MaxJobAttempts,
		Retention:   cfg.JobRetentionDuration(),
	}, log)
	sessions := session.NewService(session.NewStore(database), queueStore, log)
	messages := message.NewService(message.NewStore(database), sessions, queueSvc,
		eventBus, cfg.PersistSystemMessages, log)

	sessions.StartSelfCheck(ctx, cfg.SelfCheckIntervalDuration())
	queueSvc.StartRetentionLoop(ctx)

	factory := func(provider string) runner.Runner {
		opts := runner.Options{GracefulShutdown: cfg.GracefulShutdownDuration()}
		switch provider {
		case session.ProviderCodexCLI:
			opts.BinaryPath = binaryOr(cfg.CodexPath, "codex")
		default:
			opts.BinaryPath = binaryOr(cfg.ClaudeCodePath, "claude")
		}
		return runner.New(provider, opts, log)
	}
	pool := worker.NewPool(queueSvc, sessions, messages, factory, worker.Options{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollingIntervalDuration(),
		CancellationCheck: cfg.CancellationCheckDuration(),
		LeaseTTL:          cfg.LeaseTTLDuration(),
	}, log)
	pool.Start(ctx)

	srv := server.NewServer(cfg, sessions, messages, queueSvc, eventBus, log)

	if err := daemon.Write(cfg); err != nil {
		log.Error("failed to register daemon", zap.Error(err))
		return exitError
	}
	defer daemon.Remove()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", zap.Error(err))
			return exitError
		}
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error("worker pool shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("pokecode stopped")
	return exitOK
}

func binaryOr(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func runStop() int {
	if err := daemon.Stop(10 * time.Second); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("pokecode is not running")
			return exitError
		}
		fmt.Fprintf(os.Stderr, "failed to stop pokecode: %v\n", err)
		return exitError
	}
	fmt.Println("pokecode stopped")
	return exitOK
}

func runStatus() int {
	status, err := daemon.Probe()
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))
	if err != nil || !status.Running {
		return exitError
	}
	return exitOK
}

func runMigrate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	// Open applies pending migrations on the write connection.
	database, err := db.Open(cfg.DatabasePath, db.Options{
		WAL:       cfg.DatabaseWAL,
		CacheSize: cfg.DatabaseCacheSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return exitError
	}
	defer func() { _ = database.Close() }()

	fmt.Printf("database ready at %s\n", cfg.DatabasePath)
	return exitOK
}
