package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/lifecycle"
	"github.com/getpup/stagecoord/transport"
)

// RunStage dispatches every job that has not failed to the worker pool for
// stage and gathers the results back at their index. The round is bracketed
// by the barrier gate, so a stage can only run after every earlier stage has
// been fully gathered.
func (c *Coordinator) RunStage(ctx context.Context, stage stagecoord.Stage, jobs []stagecoord.JobRecord) ([]stagecoord.JobRecord, error) {
	if err := c.gate.Open(stage); err != nil {
		return nil, err
	}
	c.pool.BeginRound(stage)
	c.config.Collector.IncStageRounds(stage)

	r := &round{
		c:         c,
		stage:     stage,
		out:       stagecoord.CloneJobs(jobs),
		started:   time.Now(),
		lastReady: time.Now(),
	}
	for i, j := range r.out {
		if !j.Failed() {
			r.pending = append(r.pending, i)
		}
	}

	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "starting stage round", "stage", stage.String(), "jobs", len(r.pending), "passthrough", len(jobs)-len(r.pending))
	}

	if err := r.run(ctx); err != nil {
		return nil, err
	}
	if err := c.gate.Seal(stage); err != nil {
		return nil, err
	}

	elapsed := time.Since(r.started)
	c.config.Collector.ObserveRoundDuration(stage, elapsed.Seconds())
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "stage round complete", "stage", stage.String(), "duration", elapsed.String(), "failures", r.failures)
	}

	if r.firstErr != nil {
		return nil, r.firstErr
	}
	return r.out, nil
}

// round is the state of one stage round. It is only touched by the
// coordinator goroutine.
type round struct {
	c     *Coordinator
	stage stagecoord.Stage
	out   []stagecoord.JobRecord

	// pending holds indices not yet dispatched, in submission order.
	pending []int

	// waveBudget is the number of jobs the current wave may still hand out.
	waveBudget int

	// blocked is set when a job could be dispatched but no worker is idle.
	blocked bool

	firstErr  error
	failures  int
	started   time.Time
	lastReady time.Time
}

func (r *round) finished() bool {
	if r.c.gate.Outstanding() > 0 {
		return false
	}
	return len(r.pending) == 0 || r.firstErr != nil
}

func (r *round) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.dispatch(ctx); err != nil {
			return err
		}
		if r.finished() {
			return nil
		}
		if r.c.pool.LiveCount() == 0 {
			return fmt.Errorf("%w: %d jobs of %s still pending", stagecoord.ErrNoLiveWorkers, len(r.pending), r.stage)
		}

		msg, timedOut, err := r.recv(ctx)
		if err != nil {
			return err
		}
		if timedOut {
			if err := r.expire(ctx, time.Now()); err != nil {
				return err
			}
			continue
		}
		if err := r.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (r *round) canDispatch() bool {
	if r.firstErr != nil || len(r.pending) == 0 {
		return false
	}
	if r.c.config.DispatchPolicy != DispatchWaves {
		return true
	}
	if r.waveBudget == 0 {
		if r.c.gate.Outstanding() > 0 {
			return false
		}
		r.waveBudget = min(len(r.pending), r.c.pool.LiveCount())
	}
	return r.waveBudget > 0
}

func (r *round) dispatch(ctx context.Context) error {
	r.blocked = false
	for r.canDispatch() {
		rank, ok := r.c.pool.NextIdle()
		if !ok {
			r.blocked = true
			return nil
		}
		idx := r.pending[0]

		msg, err := transport.NewAssign(rank, r.stage, r.out[idx])
		if err != nil {
			return err
		}
		if err := r.c.gate.Dispatch(r.stage); err != nil {
			return err
		}
		now := time.Now()
		if err := r.c.pool.MarkBusy(rank, lifecycle.Assignment{
			AssignID: msg.AssignID(),
			Stage:    r.stage,
			JobIndex: idx,
			Started:  now,
			Deadline: now.Add(r.c.config.StageTimeout),
		}); err != nil {
			return err
		}
		if err := r.c.config.Conn.Send(ctx, rank, msg); err != nil {
			return fmt.Errorf("failed to send %s job %d to worker %d: %w", r.stage, idx, rank, err)
		}

		r.pending = r.pending[1:]
		if r.waveBudget > 0 {
			r.waveBudget--
		}
		r.c.emit(Event{Kind: EventDispatch, Stage: r.stage, JobIndex: idx, Worker: rank})
		r.c.config.Collector.IncDispatches(r.stage)
		if r.c.config.Logger != nil {
			r.c.config.Logger.Debug(ctx, "dispatched job", "stage", r.stage.String(), "job", idx, "rank", rank)
		}
	}
	return nil
}

// deadline returns the earliest moment the round must wake up without a message.
func (r *round) deadline() (time.Time, bool) {
	next, ok := r.c.pool.NextDeadline()
	if r.blocked {
		ready := r.lastReady.Add(r.c.config.ReadyTimeout)
		if !ok || ready.Before(next) {
			next, ok = ready, true
		}
	}
	return next, ok
}

func (r *round) recv(ctx context.Context) (transport.Message, bool, error) {
	rctx := ctx
	deadline, hasDeadline := r.deadline()
	if hasDeadline {
		var cancel context.CancelFunc
		rctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	msg, err := r.c.config.Conn.Recv(rctx)
	if err == nil {
		return msg, false, nil
	}
	if ctx.Err() != nil {
		return transport.Message{}, false, ctx.Err()
	}
	if hasDeadline && errors.Is(err, context.DeadlineExceeded) {
		return transport.Message{}, true, nil
	}
	return transport.Message{}, false, fmt.Errorf("failed to receive during %s: %w", r.stage, err)
}

// expire excludes busy workers past their stage deadline and, when the round
// is stalled waiting for READY, workers that never announced.
func (r *round) expire(ctx context.Context, now time.Time) error {
	for _, rank := range r.c.pool.Expired(now) {
		if err := r.exclude(ctx, rank); err != nil {
			return err
		}
	}

	if r.blocked && !now.Before(r.lastReady.Add(r.c.config.ReadyTimeout)) {
		for _, rank := range r.c.pool.Silent() {
			if err := r.exclude(ctx, rank); err != nil {
				return err
			}
		}
		r.lastReady = now
	}
	return nil
}

func (r *round) exclude(ctx context.Context, rank int) error {
	a, err := r.c.pool.MarkDead(ctx, rank)
	if err != nil {
		return err
	}

	r.c.config.Collector.IncWorkersExcluded()
	jobIndex := -1
	if a != nil {
		jobIndex = a.JobIndex
	}
	r.c.emit(Event{Kind: EventExclude, Stage: r.stage, JobIndex: jobIndex, Worker: rank})
	if r.c.config.Logger != nil {
		r.c.config.Logger.Error(ctx, "worker timed out", "stage", r.stage.String(), "rank", rank, "job", jobIndex)
	}

	if a == nil {
		return nil
	}
	if err := r.c.gate.Abandon(r.stage); err != nil {
		return err
	}
	r.fail(ctx, a.JobIndex, rank, stagecoord.ErrWorkerTimeout)
	return nil
}

func (r *round) handle(ctx context.Context, msg transport.Message) error {
	from := msg.From()
	if r.c.pool.Excluded(from) {
		if r.c.config.Logger != nil {
			r.c.config.Logger.Debug(ctx, "ignoring message from excluded worker", "rank", from, "message", msg.String())
		}
		return nil
	}

	switch msg.Kind() {
	case transport.KindReady:
		accepted, err := r.c.pool.MarkReady(from)
		if err != nil {
			return err
		}
		if accepted {
			r.lastReady = time.Now()
		}
		return nil

	case transport.KindResult:
		return r.gather(ctx, msg)

	default:
		return fmt.Errorf("%w: unexpected %s from worker %d", stagecoord.ErrProtocol, msg.Kind(), from)
	}
}

func (r *round) gather(ctx context.Context, msg transport.Message) error {
	from := msg.From()
	job := msg.Job()

	a, err := r.c.pool.Complete(from, msg.AssignID(), msg.Stage(), job.Index)
	if errors.Is(err, lifecycle.ErrStaleResult) {
		if r.c.config.Logger != nil {
			r.c.config.Logger.Info(ctx, "dropping stale result", "stage", r.stage.String(), "rank", from, "error", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.c.gate.Gather(r.stage); err != nil {
		return err
	}
	r.lastReady = time.Now()

	idx := a.JobIndex
	rerr := msg.Err()
	r.c.emit(Event{Kind: EventGather, Stage: r.stage, JobIndex: idx, Worker: from, Failed: rerr != nil})
	r.c.config.Collector.IncResults(r.stage)

	if rerr != nil {
		r.fail(ctx, idx, from, rerr)
		return nil
	}

	job.Index = idx
	job.Completed = job.Completed.Mark(r.stage)
	r.out[idx] = job

	if r.c.config.Logger != nil {
		r.c.config.Logger.Debug(ctx, "gathered job", "stage", r.stage.String(), "job", idx, "rank", from)
	}
	return nil
}

func (r *round) fail(ctx context.Context, idx, rank int, cause error) {
	r.failures++
	r.c.config.Collector.IncStageFailures(r.stage)

	if r.c.config.Logger != nil {
		r.c.config.Logger.Error(ctx, "job failed", "stage", r.stage.String(), "job", idx, "rank", rank, "policy", r.c.config.FailurePolicy.String(), "error", cause)
	}

	if r.c.config.FailurePolicy == ContinueOnError {
		r.out[idx].Failure = &stagecoord.JobFailure{Stage: r.stage, WorkerID: rank, Message: cause.Error()}
		return
	}
	if r.firstErr == nil {
		r.firstErr = &stagecoord.StageError{Stage: r.stage, JobIndex: idx, WorkerID: rank, Err: cause}
	}
}
