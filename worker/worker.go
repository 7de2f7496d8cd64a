// Package worker runs the worker side of the protocol: announce READY, run
// whatever stage the coordinator assigns, return the result, repeat until EXIT.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/metrics"
	"github.com/getpup/stagecoord/transport"
)

// State is the worker's own view of where it is in the loop.
type State string

const (
	// StateStarting indicates Run has not sent its first READY yet.
	StateStarting State = "starting"

	// StateReady indicates the worker announced READY and waits for a message.
	StateReady State = "ready"

	// StateBusy indicates the worker is running a stage.
	StateBusy State = "busy"

	// StateTerminated indicates the worker received EXIT or stopped.
	StateTerminated State = "terminated"
)

// Config configures a Worker.
type Config struct {
	// Conn is this worker's endpoint (required). Its rank must be >= 1.
	Conn transport.Conn

	// Runner executes the assigned stages (required).
	Runner executor.Runner

	// Logger is an optional logger for observability.
	Logger es.Logger

	// Collector records per-job durations (optional).
	Collector *metrics.Collector
}

// Worker is one rank of the pool.
type Worker struct {
	config Config

	mu        sync.RWMutex
	state     State
	processed int
}

// New creates a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Conn == nil {
		return nil, errors.New("worker: conn is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("worker: runner is required")
	}
	if cfg.Conn.Rank() < 1 {
		return nil, fmt.Errorf("worker: rank must be >= 1, got %d", cfg.Conn.Rank())
	}

	return &Worker{
		config: cfg,
		state:  StateStarting,
	}, nil
}

// Rank returns the worker's rank.
func (w *Worker) Rank() int {
	return w.config.Conn.Rank()
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Processed returns the number of assignments the worker has answered.
func (w *Worker) Processed() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.processed
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run loops until the coordinator sends EXIT, in which case it returns nil,
// or until ctx is done or the transport fails. Stage failures and panics are
// reported to the coordinator and never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	rank := w.Rank()
	defer w.setState(StateTerminated)

	for {
		ready, err := transport.NewReady(rank)
		if err != nil {
			return err
		}
		if err := w.config.Conn.Send(ctx, transport.CoordinatorRank, ready); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to send ready: %w", err)
		}
		w.setState(StateReady)

		msg, err := w.await(ctx)
		if err != nil {
			return err
		}

		if msg.Kind() == transport.KindExit {
			if w.config.Logger != nil {
				w.config.Logger.Info(ctx, "worker received exit", "rank", rank, "processed", w.Processed())
			}
			return nil
		}

		if err := w.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// await blocks until an ASSIGN or EXIT arrives. Anything else is dropped.
func (w *Worker) await(ctx context.Context) (transport.Message, error) {
	for {
		msg, err := w.config.Conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return transport.Message{}, ctx.Err()
			}
			return transport.Message{}, fmt.Errorf("failed to receive: %w", err)
		}
		switch msg.Kind() {
		case transport.KindAssign, transport.KindExit:
			return msg, nil
		default:
			if w.config.Logger != nil {
				w.config.Logger.Error(ctx, "ignoring unexpected message", "rank", w.Rank(), "message", msg.String())
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg transport.Message) error {
	w.setState(StateBusy)

	start := time.Now()
	out, rerr := w.execute(ctx, msg)
	w.config.Collector.ObserveJobDuration(msg.Stage(), time.Since(start).Seconds())

	if rerr != nil && w.config.Logger != nil {
		w.config.Logger.Error(ctx, "stage failed", "rank", w.Rank(), "stage", msg.Stage().String(), "job", rerr.JobIndex, "error", rerr.Message)
	}

	result, err := transport.NewResult(w.Rank(), msg.AssignID(), msg.Stage(), out, rerr)
	if err != nil {
		return err
	}
	if err := w.config.Conn.Send(ctx, transport.CoordinatorRank, result); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send result: %w", err)
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
	return nil
}

func (w *Worker) execute(ctx context.Context, msg transport.Message) (out stagecoord.JobRecord, rerr *transport.RemoteError) {
	job := msg.Job()
	stage := msg.Stage()

	defer func() {
		if r := recover(); r != nil {
			out = job
			rerr = &transport.RemoteError{Stage: stage, JobIndex: job.Index, Message: fmt.Sprint(r), Panic: true}
		}
	}()

	res, err := w.config.Runner.Run(ctx, stage, job.Clone())
	if err != nil {
		return job, &transport.RemoteError{Stage: stage, JobIndex: job.Index, Message: err.Error()}
	}
	res.Index = job.Index
	return res, nil
}
