package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/aggregate"
	"github.com/getpup/stagecoord/barrier"
	"github.com/getpup/stagecoord/lifecycle"
	"github.com/getpup/stagecoord/metrics"
	"github.com/getpup/stagecoord/transport"
)

const (
	// DefaultStageTimeout bounds a single assignment.
	DefaultStageTimeout = 2 * time.Hour

	// DefaultReadyTimeout bounds the wait for a READY while jobs are pending.
	DefaultReadyTimeout = 10 * time.Minute

	// DefaultShutdownTimeout bounds the EXIT broadcast.
	DefaultShutdownTimeout = 30 * time.Second
)

// FailurePolicy decides what a stage failure does to the run.
type FailurePolicy int

const (
	// FailFast stops dispatching on the first failure, drains the in-flight
	// jobs of the round and fails the run.
	FailFast FailurePolicy = iota

	// ContinueOnError records the failure on the job and keeps going. Failed
	// jobs pass through later stages without being dispatched.
	ContinueOnError
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case ContinueOnError:
		return "continue"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses the form produced by FailurePolicy.String.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "fail-fast", "":
		return FailFast, nil
	case "continue":
		return ContinueOnError, nil
	default:
		return FailFast, fmt.Errorf("%w: unknown failure policy %q", stagecoord.ErrInvalidConfig, s)
	}
}

// DispatchPolicy decides when the next job of a round is handed out.
type DispatchPolicy int

const (
	// DispatchWaves hands out at most one job per live worker, then waits for
	// the whole wave to be gathered before starting the next one.
	DispatchWaves DispatchPolicy = iota

	// DispatchReadyFirst hands the next job to whichever worker announces
	// READY first.
	DispatchReadyFirst
)

func (p DispatchPolicy) String() string {
	switch p {
	case DispatchWaves:
		return "waves"
	case DispatchReadyFirst:
		return "ready-first"
	default:
		return fmt.Sprintf("DispatchPolicy(%d)", int(p))
	}
}

// ParseDispatchPolicy parses the form produced by DispatchPolicy.String.
func ParseDispatchPolicy(s string) (DispatchPolicy, error) {
	switch s {
	case "waves", "":
		return DispatchWaves, nil
	case "ready-first":
		return DispatchReadyFirst, nil
	default:
		return DispatchWaves, fmt.Errorf("%w: unknown dispatch policy %q", stagecoord.ErrInvalidConfig, s)
	}
}

// Checkpoint is the job list at a point where it is safe to resume from.
type Checkpoint struct {
	// Stage is the last stage whose results are reflected in Jobs.
	Stage stagecoord.Stage

	// Skipped is set when Stage did not run because no job required it.
	Skipped bool

	// Aggregated is set when the AOT merge has been applied to Jobs.
	Aggregated bool

	// AOT is the merged value when Aggregated is set.
	AOT *float64

	Jobs []stagecoord.JobRecord
}

// StageHook observes every checkpoint. A hook error fails the run.
type StageHook interface {
	AfterStage(ctx context.Context, cp Checkpoint) error
}

// StageHookFunc adapts a function to StageHook.
type StageHookFunc func(ctx context.Context, cp Checkpoint) error

// AfterStage implements StageHook.
func (f StageHookFunc) AfterStage(ctx context.Context, cp Checkpoint) error {
	return f(ctx, cp)
}

// Config holds configuration for the Coordinator.
type Config struct {
	// Conn is the coordinator's endpoint, rank 0 (required).
	Conn transport.Conn

	// Workers is the number of worker ranks (required, >= 1).
	Workers int

	// StageTimeout bounds one assignment (default: 2h).
	StageTimeout time.Duration

	// ReadyTimeout bounds the wait for a READY while jobs are pending (default: 10m).
	ReadyTimeout time.Duration

	// ShutdownTimeout bounds the EXIT broadcast (default: 30s).
	ShutdownTimeout time.Duration

	// FailurePolicy defaults to FailFast.
	FailurePolicy FailurePolicy

	// DispatchPolicy defaults to DispatchWaves.
	DispatchPolicy DispatchPolicy

	// Aggregator merges the stage 1 AOT values (default: aggregate.MeanAOT(aggregate.DefaultAOT)).
	Aggregator aggregate.Func

	// Hooks are called at every checkpoint, in order.
	Hooks []StageHook

	// Trace receives every protocol event (optional). It is called from the
	// coordinator goroutine and must not block.
	Trace func(Event)

	// Logger is for observability (optional).
	Logger es.Logger

	// Collector records metrics (optional).
	Collector *metrics.Collector
}

// Coordinator drives a fixed pool of workers through the stages of one run.
// A Coordinator is used for a single Run or Resume.
type Coordinator struct {
	config Config
	pool   *lifecycle.Pool
	gate   *barrier.Gate
}

// New creates a Coordinator. Configuration errors wrap stagecoord.ErrInvalidConfig
// and are reported before any worker is contacted.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: coordinator conn is required", stagecoord.ErrInvalidConfig)
	}
	if cfg.Conn.Rank() != transport.CoordinatorRank {
		return nil, fmt.Errorf("%w: coordinator must own rank %d, got %d", stagecoord.ErrInvalidConfig, transport.CoordinatorRank, cfg.Conn.Rank())
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: at least one worker is required, got %d", stagecoord.ErrInvalidConfig, cfg.Workers)
	}
	if cfg.FailurePolicy != FailFast && cfg.FailurePolicy != ContinueOnError {
		return nil, fmt.Errorf("%w: unknown failure policy %d", stagecoord.ErrInvalidConfig, int(cfg.FailurePolicy))
	}
	if cfg.DispatchPolicy != DispatchWaves && cfg.DispatchPolicy != DispatchReadyFirst {
		return nil, fmt.Errorf("%w: unknown dispatch policy %d", stagecoord.ErrInvalidConfig, int(cfg.DispatchPolicy))
	}
	if cfg.StageTimeout < 0 || cfg.ReadyTimeout < 0 || cfg.ShutdownTimeout < 0 {
		return nil, fmt.Errorf("%w: timeouts must not be negative", stagecoord.ErrInvalidConfig)
	}

	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = aggregate.MeanAOT(aggregate.DefaultAOT)
	}

	pool, err := lifecycle.New(lifecycle.Config{
		Workers:   cfg.Workers,
		Collector: cfg.Collector,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		config: cfg,
		pool:   pool,
		gate:   barrier.New(),
	}, nil
}

// Pool returns a snapshot of the worker pool for status reporting.
func (c *Coordinator) Pool() lifecycle.Snapshot {
	return c.pool.Snapshot()
}

// Run processes jobs through every stage they require and shuts the pool
// down. Any error after job validation is returned only once EXIT has been
// sent to every worker.
func (c *Coordinator) Run(ctx context.Context, jobs []stagecoord.JobRecord) ([]stagecoord.JobRecord, error) {
	return c.Resume(ctx, jobs, stagecoord.StageNone)
}

// Resume is Run starting after the checkpointed stage after. Stages up to and
// including after are not dispatched. The AOT merge runs again only when
// after is stagecoord.Stage1.
func (c *Coordinator) Resume(ctx context.Context, jobs []stagecoord.JobRecord, after stagecoord.Stage) ([]stagecoord.JobRecord, error) {
	if after != stagecoord.StageNone && !after.Valid() {
		return nil, fmt.Errorf("%w: cannot resume after stage %d", stagecoord.ErrInvalidConfig, int(after))
	}
	if err := ValidateJobs(jobs); err != nil {
		return nil, err
	}

	plan := stagecoord.PlanFor(jobs)
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "starting run",
			"jobs", len(jobs), "workers", c.config.Workers, "after", after.String(),
			"aggregate", plan.Aggregate, "stage2", plan.Stage2, "stage3", plan.Stage3)
	}

	out, err := c.stages(ctx, stagecoord.CloneJobs(jobs), plan, after)

	if serr := c.Shutdown(ctx); serr != nil {
		if err == nil {
			err = serr
		} else if c.config.Logger != nil {
			c.config.Logger.Error(ctx, "shutdown after failed run", "error", serr)
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateJobs checks that jobs is non-empty and that every record's Index
// matches its position.
func ValidateJobs(jobs []stagecoord.JobRecord) error {
	if len(jobs) == 0 {
		return stagecoord.ErrNoJobs
	}
	for i, j := range jobs {
		if j.Index != i {
			return fmt.Errorf("%w: job at position %d has index %d", stagecoord.ErrInvalidConfig, i, j.Index)
		}
	}
	return nil
}

func (c *Coordinator) stages(ctx context.Context, jobs []stagecoord.JobRecord, plan stagecoord.Plan, after stagecoord.Stage) ([]stagecoord.JobRecord, error) {
	var err error

	if after < stagecoord.Stage1 {
		if jobs, err = c.runOrSkip(ctx, stagecoord.Stage1, plan, jobs); err != nil {
			return nil, err
		}
	}

	if after <= stagecoord.Stage1 && plan.Aggregate {
		if jobs, err = c.aggregate(ctx, plan, jobs); err != nil {
			return nil, err
		}
	}

	for _, stage := range []stagecoord.Stage{stagecoord.Stage2, stagecoord.Stage3, stagecoord.Stage4} {
		if stage <= after {
			continue
		}
		if jobs, err = c.runOrSkip(ctx, stage, plan, jobs); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (c *Coordinator) runOrSkip(ctx context.Context, stage stagecoord.Stage, plan stagecoord.Plan, jobs []stagecoord.JobRecord) ([]stagecoord.JobRecord, error) {
	if !plan.Runs(stage) {
		c.emit(Event{Kind: EventSkip, Stage: stage, JobIndex: -1})
		c.config.Collector.IncStageSkips(stage)
		if c.config.Logger != nil {
			c.config.Logger.Info(ctx, "skipping stage", "stage", stage.String())
		}
		return jobs, c.checkpoint(ctx, Checkpoint{Stage: stage, Skipped: true, Jobs: jobs})
	}

	out, err := c.RunStage(ctx, stage, jobs)
	if err != nil {
		return nil, err
	}
	return out, c.checkpoint(ctx, Checkpoint{Stage: stage, Jobs: out})
}

func (c *Coordinator) aggregate(ctx context.Context, plan stagecoord.Plan, jobs []stagecoord.JobRecord) ([]stagecoord.JobRecord, error) {
	if plan.AOTImage || aggregate.HasImage(jobs) {
		return nil, stagecoord.ErrAOTImageMergeUnsupported
	}

	usable := make([]stagecoord.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if !j.Failed() {
			usable = append(usable, j)
		}
	}

	v := c.config.Aggregator(usable)
	aggregate.Apply(jobs, v)

	c.emit(Event{Kind: EventAggregate, Stage: stagecoord.Stage1, JobIndex: -1, AOT: &v})
	c.config.Collector.SetAggregatedAOT(v)
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "aggregated AOT", "aot", v, "inputs", len(usable))
	}

	return jobs, c.checkpoint(ctx, Checkpoint{Stage: stagecoord.Stage1, Aggregated: true, AOT: &v, Jobs: jobs})
}

func (c *Coordinator) checkpoint(ctx context.Context, cp Checkpoint) error {
	for _, h := range c.config.Hooks {
		if err := h.AfterStage(ctx, cp); err != nil {
			return fmt.Errorf("stage hook failed after %s: %w", cp.Stage, err)
		}
	}
	return nil
}

// Shutdown sends EXIT to every worker that has not received it yet, dead
// workers included. It is idempotent and safe to call concurrently with Run.
// Failures to reach live workers are returned; failures to reach excluded
// workers are only logged.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, rank := range c.pool.PendingExit() {
		dead := c.pool.State(rank) == stagecoord.WorkerStateDead

		first, err := c.pool.MarkExited(rank)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !first {
			continue
		}

		msg, err := transport.NewExit(rank)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.config.Conn.Send(sendCtx, rank, msg); err != nil {
			if dead {
				if c.config.Logger != nil {
					c.config.Logger.Debug(ctx, "could not send exit to excluded worker", "rank", rank, "error", err)
				}
				continue
			}
			errs = append(errs, fmt.Errorf("failed to send exit to worker %d: %w", rank, err))
			continue
		}

		c.emit(Event{Kind: EventExit, Worker: rank, JobIndex: -1})
		c.config.Collector.IncExitsSent()
	}

	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "exit broadcast complete", "errors", len(errs))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) emit(e Event) {
	if c.config.Trace == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.config.Trace(e)
}
