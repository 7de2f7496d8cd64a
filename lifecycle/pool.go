// Package lifecycle tracks the coordinator's view of every worker rank.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/getpup/pupsourcing/es"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/metrics"
)

// Config holds configuration for the worker Pool.
type Config struct {
	// Workers is the number of worker ranks, 1..Workers (required).
	Workers int

	// Collector receives worker state transitions (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// ErrStaleResult indicates a RESULT from a worker that holds no assignment,
// typically left in the coordinator mailbox by an earlier run.
var ErrStaleResult = errors.New("stale result")

// Assignment is the single job a busy worker holds.
type Assignment struct {
	AssignID string
	Stage    stagecoord.Stage
	JobIndex int
	Started  time.Time
	Deadline time.Time
}

type slot struct {
	state      stagecoord.WorkerState
	assignment *Assignment
	processed  int
}

// Pool is the state of a fixed set of workers for one run. All methods are
// safe for concurrent use so that status reporting can read a snapshot while
// the coordinator mutates the pool.
type Pool struct {
	config Config

	mu    sync.Mutex
	slots []slot
	idle  *queue.RingBuffer
	stage stagecoord.Stage
}

// New creates a pool with every worker in the starting state.
func New(cfg Config) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: pool needs at least one worker, got %d", stagecoord.ErrInvalidConfig, cfg.Workers)
	}

	capacity := cfg.Workers
	if capacity <= 1 {
		// queue.RingBuffer misbehaves with a capacity of 1
		capacity = 2
	}

	p := &Pool{
		config: cfg,
		slots:  make([]slot, cfg.Workers),
		idle:   queue.NewRingBuffer(uint64(capacity)),
	}
	for i := range p.slots {
		p.slots[i].state = stagecoord.WorkerStateStarting
	}
	p.config.Collector.SetLiveWorkers(cfg.Workers)
	return p, nil
}

// Size returns the fixed number of workers.
func (p *Pool) Size() int {
	return len(p.slots)
}

func (p *Pool) slot(rank int) (*slot, error) {
	if rank < 1 || rank > len(p.slots) {
		return nil, fmt.Errorf("%w: unknown worker rank %d", stagecoord.ErrProtocol, rank)
	}
	return &p.slots[rank-1], nil
}

func (p *Pool) set(rank int, s *slot, state stagecoord.WorkerState) {
	s.state = state
	p.config.Collector.SetWorkerState(rank, state)
}

// BeginRound resets per-round bookkeeping before stage is dispatched.
func (p *Pool) BeginRound(stage stagecoord.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

// Excluded reports whether rank was marked dead or has been sent EXIT.
// Messages from excluded workers are ignored.
func (p *Pool) Excluded(rank int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(rank)
	if err != nil {
		return false
	}
	return s.state == stagecoord.WorkerStateDead || s.state == stagecoord.WorkerStateExited
}

// MarkReady records a READY from rank and queues it for work.
// It reports false when the READY was ignored because rank is already idle
// or has been excluded.
func (p *Pool) MarkReady(rank int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(rank)
	if err != nil {
		return false, err
	}
	switch s.state {
	case stagecoord.WorkerStateStarting, stagecoord.WorkerStateDone:
	case stagecoord.WorkerStateBusy:
		return false, fmt.Errorf("%w: READY from worker %d while it holds job %d", stagecoord.ErrProtocol, rank, s.assignment.JobIndex)
	default:
		return false, nil
	}

	ok, err := p.idle.Offer(rank)
	if err != nil {
		return false, fmt.Errorf("failed to queue idle worker %d: %w", rank, err)
	}
	if !ok {
		return false, fmt.Errorf("idle queue full while queueing worker %d", rank)
	}
	p.set(rank, s, stagecoord.WorkerStateIdle)
	return true, nil
}

// NextIdle dequeues the longest-waiting idle worker.
func (p *Pool) NextIdle() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.idle.Len() > 0 {
		item, err := p.idle.Get()
		if err != nil {
			return 0, false
		}
		rank := item.(int)
		if p.slots[rank-1].state == stagecoord.WorkerStateIdle {
			return rank, true
		}
	}
	return 0, false
}

// MarkBusy records that rank now holds a.
func (p *Pool) MarkBusy(rank int, a Assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(rank)
	if err != nil {
		return err
	}
	if s.state != stagecoord.WorkerStateIdle {
		return fmt.Errorf("%w: cannot assign to worker %d in state %s", stagecoord.ErrProtocol, rank, s.state)
	}
	s.assignment = &a
	p.set(rank, s, stagecoord.WorkerStateBusy)
	return nil
}

// Complete matches a RESULT against rank's outstanding assignment and moves
// the worker to done. It returns the matched assignment.
// A RESULT from a worker that is not busy returns ErrStaleResult and leaves
// the worker untouched; a busy worker returning anything other than its
// assignment is a protocol error.
func (p *Pool) Complete(rank int, assignID string, stage stagecoord.Stage, jobIndex int) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(rank)
	if err != nil {
		return Assignment{}, err
	}
	if s.state != stagecoord.WorkerStateBusy || s.assignment == nil {
		return Assignment{}, fmt.Errorf("%w: worker %d in state %s returned %s job %d (id %s)", ErrStaleResult, rank, s.state, stage, jobIndex, assignID)
	}
	a := *s.assignment
	if a.AssignID != assignID || a.Stage != stage || a.JobIndex != jobIndex {
		return Assignment{}, fmt.Errorf("%w: worker %d returned %s job %d (id %s), expected %s job %d (id %s)",
			stagecoord.ErrProtocol, rank, stage, jobIndex, assignID, a.Stage, a.JobIndex, a.AssignID)
	}

	s.assignment = nil
	s.processed++
	p.set(rank, s, stagecoord.WorkerStateDone)
	return a, nil
}

// Expired returns the busy workers whose deadline is at or before now, in rank order.
func (p *Pool) Expired(now time.Time) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for i, s := range p.slots {
		if s.state == stagecoord.WorkerStateBusy && s.assignment != nil && !now.Before(s.assignment.Deadline) {
			out = append(out, i+1)
		}
	}
	return out
}

// NextDeadline returns the earliest deadline among busy workers.
func (p *Pool) NextDeadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next time.Time
	found := false
	for _, s := range p.slots {
		if s.state != stagecoord.WorkerStateBusy || s.assignment == nil {
			continue
		}
		if !found || s.assignment.Deadline.Before(next) {
			next = s.assignment.Deadline
			found = true
		}
	}
	return next, found
}

// Silent returns the live workers that have not announced READY since their
// last result, in rank order.
func (p *Pool) Silent() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for i, s := range p.slots {
		if s.state == stagecoord.WorkerStateStarting || s.state == stagecoord.WorkerStateDone {
			out = append(out, i+1)
		}
	}
	return out
}

// MarkDead excludes rank for the rest of the run. It returns the assignment
// the worker held, if any.
func (p *Pool) MarkDead(ctx context.Context, rank int) (*Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(rank)
	if err != nil {
		return nil, err
	}
	if s.state == stagecoord.WorkerStateDead || s.state == stagecoord.WorkerStateExited {
		return nil, nil
	}

	a := s.assignment
	s.assignment = nil
	p.set(rank, s, stagecoord.WorkerStateDead)
	p.config.Collector.SetLiveWorkers(p.liveLocked())

	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "worker excluded", "rank", rank, "stage", p.stage.String())
	}
	return a, nil
}

// MarkExited records that EXIT was sent to rank. It reports false if EXIT had
// already been recorded, so callers can send it exactly once.
func (p *Pool) MarkExited(rank int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.slot(rank)
	if err != nil {
		return false, err
	}
	if s.state == stagecoord.WorkerStateExited {
		return false, nil
	}
	s.assignment = nil
	p.set(rank, s, stagecoord.WorkerStateExited)
	p.config.Collector.SetLiveWorkers(p.liveLocked())
	return true, nil
}

// PendingExit returns every rank not yet sent EXIT, dead workers included.
func (p *Pool) PendingExit() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for i, s := range p.slots {
		if s.state != stagecoord.WorkerStateExited {
			out = append(out, i+1)
		}
	}
	return out
}

// LiveCount returns the number of workers that are neither dead nor exited.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state != stagecoord.WorkerStateDead && s.state != stagecoord.WorkerStateExited {
			n++
		}
	}
	return n
}

// BusyCount returns the number of workers holding an assignment.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.state == stagecoord.WorkerStateBusy {
			n++
		}
	}
	return n
}

// State returns the state of rank.
func (p *Pool) State(rank int) stagecoord.WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.slot(rank)
	if err != nil {
		return ""
	}
	return s.state
}

// WorkerSnapshot is the reported state of one worker.
type WorkerSnapshot struct {
	Rank      int                    `json:"rank"`
	State     stagecoord.WorkerState `json:"state"`
	Processed int                    `json:"processed"`
	JobIndex  *int                   `json:"job_index,omitempty"`
	Deadline  *time.Time             `json:"deadline,omitempty"`
}

// Snapshot is a point-in-time copy of the pool.
type Snapshot struct {
	Stage   stagecoord.Stage `json:"stage"`
	Live    int              `json:"live"`
	Counts  map[string]int   `json:"counts"`
	Workers []WorkerSnapshot `json:"workers"`
}

// Snapshot returns a copy of the pool state for status reporting.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Stage:   p.stage,
		Live:    p.liveLocked(),
		Counts:  make(map[string]int),
		Workers: make([]WorkerSnapshot, 0, len(p.slots)),
	}
	for i, s := range p.slots {
		ws := WorkerSnapshot{Rank: i + 1, State: s.state, Processed: s.processed}
		if s.assignment != nil {
			idx := s.assignment.JobIndex
			deadline := s.assignment.Deadline
			ws.JobIndex = &idx
			ws.Deadline = &deadline
		}
		snap.Workers = append(snap.Workers, ws)
		snap.Counts[string(s.state)]++
	}
	return snap
}
