// Package stagecoord is the public entry point for running job lists through
// the four-stage scatter/gather pipeline.
package stagecoord

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"

	rootpkg "github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/aggregate"
	"github.com/getpup/stagecoord/coordinator"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/journal"
	"github.com/getpup/stagecoord/manifest"
	"github.com/getpup/stagecoord/pipeline"
	"github.com/getpup/stagecoord/store"
	"github.com/getpup/stagecoord/store/memory"
	"github.com/getpup/stagecoord/store/sqlstore"
	"github.com/getpup/stagecoord/transport"
	"github.com/getpup/stagecoord/transport/chanbus"
	"github.com/getpup/stagecoord/worker"
)

// Re-export core types from root package
type (
	// JobRecord is the unit of work threaded through every stage.
	JobRecord = rootpkg.JobRecord

	// Stage identifies one of the four processing phases.
	Stage = rootpkg.Stage

	// Product names an output a scene can be processed into.
	Product = rootpkg.Product

	// ProductSet is the list of products requested for a scene.
	ProductSet = rootpkg.ProductSet
)

// Option configures a Pipeline.
type Option func(*config)

// config holds the internal configuration for creating a Pipeline.
type config struct {
	name            string
	workers         int
	conn            transport.Conn
	runner          executor.Runner
	store           store.RunStore
	journal         journal.Journal
	manifest        manifest.Writer
	stageTimeout    time.Duration
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
	failurePolicy   coordinator.FailurePolicy
	dispatchPolicy  coordinator.DispatchPolicy
	aggregator      aggregate.Func
	hooks           []coordinator.StageHook
	trace           func(coordinator.Event)
	logger          es.Logger
	metricsEnabled  *bool
}

// New creates a Pipeline with the given options.
//
// Required options:
//   - WithWorkers: number of worker ranks
//   - WithRunner or WithTransport: in-process workers running the given
//     stages, or the coordinator endpoint of remote workers
//
// Optional configuration (with defaults):
//   - WithName: pipeline name in the run store and metrics (default: "stagecoord")
//   - WithStore: run store (default: in-memory)
//   - WithJournal: event journal (default: none)
//   - WithManifest: manifest writer (default: none)
//   - WithStageTimeout: maximum duration of one job stage (default: 2h)
//   - WithReadyTimeout: maximum wait for a READY (default: 10m)
//   - WithShutdownTimeout: bound on the EXIT broadcast (default: 30s)
//   - WithFailurePolicy: coordinator.FailFast or coordinator.ContinueOnError (default: FailFast)
//   - WithDispatchPolicy: coordinator.DispatchWaves or coordinator.DispatchReadyFirst (default: waves)
//   - WithAggregator: AOT merge function (default: mean, 0.05 when no AOT)
//   - WithHooks: extra checkpoint hooks
//   - WithTrace: protocol event callback
//   - WithLogger: logger for observability (default: nil)
//   - WithMetricsEnabled: enable Prometheus metrics (default: true)
//
// Example:
//
//	p, err := stagecoord.New(
//	    stagecoord.WithWorkers(4),
//	    stagecoord.WithRunner(executor.Funcs{Stage1: prepare, Stage4: cleanup}),
//	)
//
// Returns an error if any required option is missing.
func New(opts ...Option) (rootpkg.Pipeline, error) {
	cfg := &config{name: "stagecoord"}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.workers < 1 {
		return nil, fmt.Errorf("%w: workers are required: use WithWorkers option", rootpkg.ErrInvalidConfig)
	}
	if cfg.runner == nil && cfg.conn == nil {
		return nil, fmt.Errorf("%w: a runner or a transport is required: use WithRunner or WithTransport option", rootpkg.ErrInvalidConfig)
	}
	if cfg.runner != nil && cfg.conn != nil {
		return nil, fmt.Errorf("%w: WithRunner and WithTransport are mutually exclusive", rootpkg.ErrInvalidConfig)
	}

	if cfg.conn != nil {
		return pipeline.New(cfg.pipelineConfig(cfg.conn))
	}
	if cfg.store == nil {
		cfg.store = memory.New()
	}
	return &local{config: cfg}, nil
}

func (c *config) pipelineConfig(conn transport.Conn) pipeline.Config {
	return pipeline.Config{
		Name:            c.name,
		Conn:            conn,
		Workers:         c.workers,
		Store:           c.store,
		Journal:         c.journal,
		Manifest:        c.manifest,
		StageTimeout:    c.stageTimeout,
		ReadyTimeout:    c.readyTimeout,
		ShutdownTimeout: c.shutdownTimeout,
		FailurePolicy:   c.failurePolicy,
		DispatchPolicy:  c.dispatchPolicy,
		Aggregator:      c.aggregator,
		Hooks:           c.hooks,
		Trace:           c.trace,
		Logger:          c.logger,
		MetricsEnabled:  c.metricsEnabled,
	}
}

// local runs every job list on a fresh set of in-process workers.
type local struct {
	config *config
}

func (l *local) Run(ctx context.Context, jobs []JobRecord) ([]JobRecord, error) {
	bus, err := chanbus.New(chanbus.Config{Workers: l.config.workers})
	if err != nil {
		return nil, err
	}
	defer func() { _ = bus.Close() }()

	conn, err := bus.Endpoint(transport.CoordinatorRank)
	if err != nil {
		return nil, err
	}
	orch, err := pipeline.New(l.config.pipelineConfig(conn))
	if err != nil {
		return nil, err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for rank := 1; rank <= l.config.workers; rank++ {
		wconn, err := bus.Endpoint(rank)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(worker.Config{
			Conn:      wconn,
			Runner:    l.config.runner,
			Logger:    l.config.logger,
			Collector: orch.Collector(),
		})
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(workerCtx); err != nil && l.config.logger != nil {
				l.config.logger.Debug(ctx, "local worker stopped", "rank", w.Rank(), "error", err)
			}
		}()
	}

	out, err := orch.Run(ctx, jobs)

	// Workers that were never sent EXIT, for example after a validation
	// error, are stopped through their context.
	cancel()
	wg.Wait()
	return out, err
}

// WithName sets the pipeline name used in the run store and in metrics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithWorkers sets the number of worker ranks.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithRunner runs the stages on in-process workers.
func WithRunner(r executor.Runner) Option {
	return func(c *config) {
		c.runner = r
	}
}

// WithTransport sets the coordinator endpoint of remote workers.
func WithTransport(conn transport.Conn) Option {
	return func(c *config) {
		c.conn = conn
	}
}

// WithStore sets the run store.
func WithStore(s store.RunStore) Option {
	return func(c *config) {
		c.store = s
	}
}

// WithJournal sets the event journal.
func WithJournal(j journal.Journal) Option {
	return func(c *config) {
		c.journal = j
	}
}

// WithManifest sets the manifest writer.
func WithManifest(w manifest.Writer) Option {
	return func(c *config) {
		c.manifest = w
	}
}

// WithStageTimeout sets the maximum duration of one job stage.
func WithStageTimeout(d time.Duration) Option {
	return func(c *config) {
		c.stageTimeout = d
	}
}

// WithReadyTimeout sets the maximum wait for a worker to announce READY.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readyTimeout = d
	}
}

// WithShutdownTimeout bounds the EXIT broadcast.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		c.shutdownTimeout = d
	}
}

// WithFailurePolicy sets what a stage failure does to the run.
func WithFailurePolicy(p coordinator.FailurePolicy) Option {
	return func(c *config) {
		c.failurePolicy = p
	}
}

// WithDispatchPolicy sets when the next job of a round is handed out.
func WithDispatchPolicy(p coordinator.DispatchPolicy) Option {
	return func(c *config) {
		c.dispatchPolicy = p
	}
}

// WithAggregator sets the AOT merge function.
func WithAggregator(fn aggregate.Func) Option {
	return func(c *config) {
		c.aggregator = fn
	}
}

// WithHooks adds checkpoint hooks.
func WithHooks(hooks ...coordinator.StageHook) Option {
	return func(c *config) {
		c.hooks = append(c.hooks, hooks...)
	}
}

// WithTrace sets the protocol event callback.
func WithTrace(fn func(coordinator.Event)) Option {
	return func(c *config) {
		c.trace = fn
	}
}

// WithLogger sets the logger for observability.
func WithLogger(logger es.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricsEnabled enables or disables Prometheus metrics collection.
func WithMetricsEnabled(enabled bool) Option {
	return func(c *config) {
		c.metricsEnabled = &enabled
	}
}

// RunMigrations creates the run store tables with the default names.
//
// This should typically be run once during application deployment or startup.
func RunMigrations(ctx context.Context, db *sql.DB, d sqlstore.Dialect) error {
	return RunMigrationsWithTableNames(ctx, db, d, sqlstore.DefaultTableConfig())
}

// RunMigrationsWithTableNames creates the run store tables with custom names.
func RunMigrationsWithTableNames(ctx context.Context, db *sql.DB, d sqlstore.Dialect, cfg sqlstore.TableConfig) error {
	if err := sqlstore.Migrate(ctx, db, d, cfg); err != nil {
		return fmt.Errorf("failed to execute migrations: %w", err)
	}
	return nil
}
