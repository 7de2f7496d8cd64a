// Command stagecoord-worker is one remote worker rank of a stagecoord run.
// It announces READY on the shared Redis server, runs the configured stage
// command for every assignment and exits when the coordinator sends EXIT.
//
// Usage:
//
//	stagecoord-worker --rank 3 --redis-addr redis:6379 --config stagecoord.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/getpup/stagecoord/config"
	"github.com/getpup/stagecoord/internal/app"
	"github.com/getpup/stagecoord/metrics"
	"github.com/getpup/stagecoord/pkg/version"
	"github.com/getpup/stagecoord/transport/redisbus"
	"github.com/getpup/stagecoord/worker"
)

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stagecoord-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	base, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	logger := base.With("rank", cfg.Worker.Rank)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting stagecoord worker", "version", version.Version)

	var closers app.Closers
	defer func() { _ = closers.Close() }()

	client, err := app.NewRedisClient(ctx, cfg.Redis, &closers)
	if err != nil {
		return err
	}

	// Drop anything left in this rank's mailbox by an earlier run.
	if err := client.Del(ctx, redisbus.Key(cfg.Redis.Prefix, cfg.Worker.Rank)).Err(); err != nil {
		return fmt.Errorf("failed to clear mailbox: %w", err)
	}

	conn, err := redisbus.New(redisbus.Config{
		Client: client,
		Rank:   cfg.Worker.Rank,
		Prefix: cfg.Redis.Prefix,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	var collector *metrics.Collector
	if cfg.Metrics.Addr != "" {
		collector = metrics.NewCollector(cfg.Pipeline)
		srv := metrics.NewServer(cfg.Metrics.Addr, nil)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w, err := worker.New(worker.Config{
		Conn:      conn,
		Runner:    app.NewCommandRunner(cfg, logger),
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(ctx, "worker finished", "processed", w.Processed())
	return nil
}
