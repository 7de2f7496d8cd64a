// Command stagecoord runs a job list through the four processing stages.
//
// With --transport local the worker ranks run in-process and execute the
// configured stage commands. With --transport redis the ranks are separate
// stagecoord-worker processes sharing the same Redis server and prefix.
//
// Usage:
//
//	stagecoord --jobs scenes.txt --sensor LS5TM --products DOSAOTSGL,SREF \
//	    --output-path /data/out --tmp-path /data/tmp --workers 8
//
// Resume a failed or interrupted run from its last checkpoint:
//
//	stagecoord --store-driver sqlite --store-dsn runs.db --resume <run-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getpup/pupsourcing/es"
	flag "github.com/spf13/pflag"

	"github.com/getpup/stagecoord/config"
	"github.com/getpup/stagecoord/coordinator"
	"github.com/getpup/stagecoord/internal/app"
	"github.com/getpup/stagecoord/jobfile"
	"github.com/getpup/stagecoord/metrics"
	"github.com/getpup/stagecoord/pipeline"
	"github.com/getpup/stagecoord/pkg/version"
	"github.com/getpup/stagecoord/transport"
	"github.com/getpup/stagecoord/transport/chanbus"
	"github.com/getpup/stagecoord/transport/redisbus"
	"github.com/getpup/stagecoord/worker"
)

func main() {
	config.RegisterFlags(flag.CommandLine)
	resume := flag.String("resume", "", "Resume the run with this id from its last checkpoint")
	flag.Parse()

	if err := run(*resume); err != nil {
		fmt.Fprintf(os.Stderr, "stagecoord: %v\n", err)
		os.Exit(1)
	}
}

func run(resumeID string) error {
	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		return err
	}
	if resumeID == "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting stagecoord", "version", version.Version, "transport", cfg.Coordinator.Transport, "workers", cfg.Coordinator.Workers)

	var closers app.Closers
	defer func() {
		if err := closers.Close(); err != nil {
			logger.Error(ctx, "failed to release resources", "error", err)
		}
	}()

	runs, err := app.OpenStore(ctx, cfg.Store, &closers)
	if err != nil {
		return err
	}
	journal, err := app.OpenJournal(ctx, cfg.Journal, &closers)
	if err != nil {
		return err
	}
	manifests, err := app.Manifests(ctx, cfg.Manifest)
	if err != nil {
		return err
	}
	failurePolicy, err := coordinator.ParseFailurePolicy(cfg.Coordinator.FailurePolicy)
	if err != nil {
		return err
	}
	dispatchPolicy, err := coordinator.ParseDispatchPolicy(cfg.Coordinator.DispatchPolicy)
	if err != nil {
		return err
	}

	conn, workers, err := connect(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	pcfg := pipeline.Config{
		Name:            cfg.Pipeline,
		Conn:            conn,
		Workers:         cfg.Coordinator.Workers,
		Store:           runs,
		Journal:         journal,
		Manifest:        manifests,
		StageTimeout:    cfg.Coordinator.StageTimeout,
		ReadyTimeout:    cfg.Coordinator.ReadyTimeout,
		ShutdownTimeout: cfg.Coordinator.ShutdownTimeout,
		FailurePolicy:   failurePolicy,
		DispatchPolicy:  dispatchPolicy,
		Logger:          logger,
	}
	orch, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, func() any { return orch.Status() })
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info(ctx, "metrics server listening", "addr", cfg.Metrics.Addr)
	}

	stopWorkers := workers.start(ctx, orch.Collector())
	defer stopWorkers()

	var res pipeline.Result
	if resumeID != "" {
		res, err = orch.Resume(ctx, resumeID)
	} else {
		res, err = execute(ctx, cfg, orch)
	}
	if err != nil {
		if res.RunID != "" && !res.Status.Final() {
			return fmt.Errorf("run %s %s, continue it with --resume %s: %w", res.RunID, res.Status, res.RunID, err)
		}
		if res.RunID != "" {
			return fmt.Errorf("run %s: %w", res.RunID, err)
		}
		return err
	}

	failed := 0
	for _, j := range res.Jobs {
		if j.Failed() {
			failed++
		}
	}
	fmt.Printf("run %s %s: %d jobs, %d failed\n", res.RunID, res.Status, len(res.Jobs), failed)
	return nil
}

func execute(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator) (pipeline.Result, error) {
	products, err := cfg.ProductSet()
	if err != nil {
		return pipeline.Result{}, err
	}
	jobs, err := jobfile.Load(cfg.JobFile, jobfile.Defaults{Products: products, AOT: cfg.AOT.Value})
	if err != nil {
		return pipeline.Result{}, err
	}
	return orch.Execute(ctx, jobs)
}

// localWorkers are the in-process ranks of the local transport.
type localWorkers struct {
	bus    *chanbus.Bus
	cfg    *config.Config
	logger es.Logger
}

// start runs every rank and returns a function that stops them and waits.
// It does nothing for remote transports.
func (lw *localWorkers) start(ctx context.Context, collector *metrics.Collector) func() {
	if lw == nil {
		return func() {}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	runner := app.NewCommandRunner(lw.cfg, lw.logger)

	var wg sync.WaitGroup
	for rank := 1; rank <= lw.cfg.Coordinator.Workers; rank++ {
		conn, err := lw.bus.Endpoint(rank)
		if err != nil {
			lw.logger.Error(ctx, "failed to open worker endpoint", "rank", rank, "error", err)
			continue
		}
		w, err := worker.New(worker.Config{Conn: conn, Runner: runner, Logger: lw.logger, Collector: collector})
		if err != nil {
			lw.logger.Error(ctx, "failed to create worker", "rank", rank, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				lw.logger.Error(ctx, "worker stopped", "rank", w.Rank(), "error", err)
			}
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

func connect(ctx context.Context, cfg *config.Config, logger es.Logger, closers *app.Closers) (transport.Conn, *localWorkers, error) {
	switch cfg.Coordinator.Transport {
	case "redis":
		client, err := app.NewRedisClient(ctx, cfg.Redis, closers)
		if err != nil {
			return nil, nil, err
		}
		conn, err := redisbus.New(redisbus.Config{
			Client: client,
			Rank:   transport.CoordinatorRank,
			Prefix: cfg.Redis.Prefix,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		closers.Add(conn.Close)
		return conn, nil, nil

	default:
		bus, err := chanbus.New(chanbus.Config{Workers: cfg.Coordinator.Workers})
		if err != nil {
			return nil, nil, err
		}
		closers.Add(bus.Close)
		conn, err := bus.Endpoint(transport.CoordinatorRank)
		if err != nil {
			return nil, nil, err
		}
		return conn, &localWorkers{bus: bus, cfg: cfg, logger: logger}, nil
	}
}
