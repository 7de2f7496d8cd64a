// Package pipeline wires a coordinator to the run store, the event journal,
// metrics and the manifest writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/aggregate"
	"github.com/getpup/stagecoord/coordinator"
	"github.com/getpup/stagecoord/journal"
	"github.com/getpup/stagecoord/lifecycle"
	"github.com/getpup/stagecoord/manifest"
	"github.com/getpup/stagecoord/metrics"
	"github.com/getpup/stagecoord/store"
	"github.com/getpup/stagecoord/store/memory"
	"github.com/getpup/stagecoord/transport"
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// Name identifies the pipeline in the run store and in metrics (required).
	Name string

	// Conn is the coordinator endpoint, rank 0 (required).
	Conn transport.Conn

	// Workers is the number of worker ranks (required).
	Workers int

	// Store persists runs and checkpoints (default: in-memory store).
	Store store.RunStore

	// Journal records gathered rounds (default: journal.Nop).
	Journal journal.Journal

	// Manifest receives the final job list of every run (optional).
	Manifest manifest.Writer

	// StageTimeout, ReadyTimeout and ShutdownTimeout are passed to the
	// coordinator, which applies its own defaults.
	StageTimeout    time.Duration
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration

	FailurePolicy  coordinator.FailurePolicy
	DispatchPolicy coordinator.DispatchPolicy

	// Aggregator merges the stage 1 AOT values (optional).
	Aggregator aggregate.Func

	// Hooks are called at every checkpoint after the store and the journal.
	Hooks []coordinator.StageHook

	// Trace receives every protocol event (optional).
	Trace func(coordinator.Event)

	// Logger is for observability (optional).
	Logger es.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Result is the outcome of one run.
type Result struct {
	RunID  string
	Status stagecoord.RunStatus
	Jobs   []stagecoord.JobRecord
}

// Status is a point-in-time view of the orchestrator for status endpoints.
type Status struct {
	RunID   string              `json:"run_id,omitempty"`
	Running bool                `json:"running"`
	Pool    *lifecycle.Snapshot `json:"pool,omitempty"`
}

// Orchestrator runs job lists through a coordinator and records every run.
// Workers leave after each run, so a new run needs a fresh set of workers.
type Orchestrator struct {
	config    Config
	collector *metrics.Collector

	mu      sync.Mutex
	runID   string
	current *coordinator.Coordinator
}

// Compile-time check that Orchestrator implements stagecoord.Pipeline.
var _ stagecoord.Pipeline = (*Orchestrator)(nil)

// New creates an Orchestrator. It applies the default store and journal.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: pipeline name is required", stagecoord.ErrInvalidConfig)
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: coordinator conn is required", stagecoord.ErrInvalidConfig)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: at least one worker is required, got %d", stagecoord.ErrInvalidConfig, cfg.Workers)
	}
	if cfg.Store == nil {
		cfg.Store = memory.New()
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop{}
	}

	var collector *metrics.Collector
	metricsEnabled := true
	if cfg.MetricsEnabled != nil {
		metricsEnabled = *cfg.MetricsEnabled
	}
	if metricsEnabled {
		collector = metrics.NewCollector(cfg.Name)
	}

	return &Orchestrator{
		config:    cfg,
		collector: collector,
	}, nil
}

// Collector returns the metrics collector, nil when metrics are disabled.
func (o *Orchestrator) Collector() *metrics.Collector {
	return o.collector
}

// Run implements stagecoord.Pipeline.
func (o *Orchestrator) Run(ctx context.Context, jobs []stagecoord.JobRecord) ([]stagecoord.JobRecord, error) {
	res, err := o.Execute(ctx, jobs)
	if err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// Execute records a new run for jobs and drives it to completion.
// Invalid job lists are rejected before the run is recorded.
func (o *Orchestrator) Execute(ctx context.Context, jobs []stagecoord.JobRecord) (Result, error) {
	if err := coordinator.ValidateJobs(jobs); err != nil {
		return Result{}, err
	}

	run, err := o.config.Store.CreateRun(ctx, o.config.Name, o.config.Workers, jobs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create run: %w", err)
	}
	if o.config.Logger != nil {
		o.config.Logger.Info(ctx, "created run", "run_id", run.ID, "jobs", len(jobs), "workers", o.config.Workers)
	}

	return o.execute(ctx, run, jobs, stagecoord.StageNone)
}

// Resume continues runID from its last checkpoint. Failed and interrupted
// runs are set back to running first; runs that went through every stage
// are rejected with store.ErrRunFinished.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (Result, error) {
	run, err := o.config.Store.GetRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get run: %w", err)
	}
	if !run.Resumable() {
		return Result{}, fmt.Errorf("%w: run %s is %s", store.ErrRunFinished, runID, run.Status)
	}
	if run.Pipeline != o.config.Name {
		return Result{}, fmt.Errorf("%w: run %s belongs to pipeline %q", stagecoord.ErrInvalidConfig, runID, run.Pipeline)
	}

	jobs, last, err := o.config.Store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := coordinator.ValidateJobs(jobs); err != nil {
		return Result{}, fmt.Errorf("invalid checkpoint: %w", err)
	}

	previous := run.Status
	run, err = o.config.Store.ReopenRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to reopen run: %w", err)
	}
	if o.config.Logger != nil {
		o.config.Logger.Info(ctx, "resuming run", "run_id", runID, "previous_status", string(previous), "after", last.String(), "jobs", len(jobs))
	}

	return o.execute(ctx, run, jobs, last)
}

// Status returns the state of the run in progress, if any.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil {
		return Status{}
	}
	snap := o.current.Pool()
	return Status{RunID: o.runID, Running: true, Pool: &snap}
}

func (o *Orchestrator) execute(ctx context.Context, run store.Run, jobs []stagecoord.JobRecord, after stagecoord.Stage) (Result, error) {
	started := time.Now()

	hooks := append([]coordinator.StageHook{
		o.checkpointHook(run.ID),
		journal.Hook(o.config.Journal, run.ID, o.config.Logger),
	}, o.config.Hooks...)

	coord, err := coordinator.New(coordinator.Config{
		Conn:            o.config.Conn,
		Workers:         o.config.Workers,
		StageTimeout:    o.config.StageTimeout,
		ReadyTimeout:    o.config.ReadyTimeout,
		ShutdownTimeout: o.config.ShutdownTimeout,
		FailurePolicy:   o.config.FailurePolicy,
		DispatchPolicy:  o.config.DispatchPolicy,
		Aggregator:      o.config.Aggregator,
		Hooks:           hooks,
		Trace:           o.config.Trace,
		Logger:          o.config.Logger,
		Collector:       o.collector,
	})
	if err != nil {
		return Result{}, err
	}

	o.setCurrent(run.ID, coord)
	defer o.setCurrent("", nil)

	out, runErr := coord.Resume(ctx, jobs, after)

	status := stagecoord.RunStatusFor(out, runErr)
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	// The run is recorded even when ctx was cancelled.
	finishCtx := context.WithoutCancel(ctx)

	var completeErr error
	if err := o.config.Store.CompleteRun(finishCtx, run.ID, status, errMsg); err != nil {
		completeErr = fmt.Errorf("failed to complete run: %w", err)
	}
	o.collector.IncRuns(status)

	if o.config.Manifest != nil {
		m := manifest.New(run.ID, o.config.Name, o.config.Workers, started, out, runErr)
		if err := o.config.Manifest.Write(finishCtx, m); err != nil && o.config.Logger != nil {
			o.config.Logger.Error(ctx, "failed to write manifest", "run_id", run.ID, "error", err)
		}
	}

	if o.config.Logger != nil {
		if runErr != nil {
			o.config.Logger.Error(ctx, "run failed", "run_id", run.ID, "error", runErr, "duration", time.Since(started).String())
		} else {
			o.config.Logger.Info(ctx, "run finished", "run_id", run.ID, "status", string(status), "duration", time.Since(started).String())
		}
	}

	if err := errors.Join(runErr, completeErr); err != nil {
		return Result{RunID: run.ID, Status: status}, err
	}
	return Result{RunID: run.ID, Status: status, Jobs: out}, nil
}

func (o *Orchestrator) checkpointHook(runID string) coordinator.StageHook {
	return coordinator.StageHookFunc(func(ctx context.Context, cp coordinator.Checkpoint) error {
		if err := o.config.Store.SaveStage(ctx, runID, cp.Stage, cp.Jobs); err != nil {
			return fmt.Errorf("failed to save %s checkpoint: %w", cp.Stage, err)
		}
		return nil
	})
}

func (o *Orchestrator) setCurrent(runID string, c *coordinator.Coordinator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = runID
	o.current = c
}
