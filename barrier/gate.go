// Package barrier provides the stage rendezvous used by the coordinator.
//
// A Gate tracks one round at a time. A round for stage N can only be opened
// once the round for every earlier stage has been sealed, and a round can only
// be sealed once nothing dispatched into it is still outstanding. Any attempt to
// break that ordering fails with ErrBarrierViolation instead of silently
// reordering work.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/stagecoord"
)

var (
	// ErrBarrierViolation indicates an operation would break stage ordering.
	ErrBarrierViolation = errors.New("barrier violation")

	// ErrOutstanding indicates a round cannot be sealed while work is in flight.
	ErrOutstanding = errors.New("round has outstanding work")
)

// Gate is safe for concurrent use.
type Gate struct {
	mu          sync.Mutex
	current     stagecoord.Stage
	open        bool
	lastSealed  stagecoord.Stage
	outstanding int
	dispatched  int
	gathered    int
	idle        chan struct{}
}

// New creates a gate with no round open.
func New() *Gate {
	g := &Gate{idle: make(chan struct{})}
	close(g.idle)
	return g
}

// Open starts the round for stage.
func (g *Gate) Open(stage stagecoord.Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !stage.Valid() {
		return fmt.Errorf("%w: cannot open invalid stage %d", ErrBarrierViolation, int(stage))
	}
	if g.open {
		return fmt.Errorf("%w: cannot open %s while %s is open", ErrBarrierViolation, stage, g.current)
	}
	if stage <= g.lastSealed {
		return fmt.Errorf("%w: cannot open %s after %s was sealed", ErrBarrierViolation, stage, g.lastSealed)
	}

	g.current = stage
	g.open = true
	g.outstanding = 0
	g.dispatched = 0
	g.gathered = 0
	return nil
}

func (g *Gate) checkRound(op string, stage stagecoord.Stage) error {
	if !g.open {
		return fmt.Errorf("%w: %s for %s with no open round", ErrBarrierViolation, op, stage)
	}
	if stage != g.current {
		return fmt.Errorf("%w: %s for %s while %s is open", ErrBarrierViolation, op, stage, g.current)
	}
	return nil
}

// Dispatch records one job handed to a worker in the current round.
func (g *Gate) Dispatch(stage stagecoord.Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRound("dispatch", stage); err != nil {
		return err
	}
	if g.outstanding == 0 {
		g.idle = make(chan struct{})
	}
	g.outstanding++
	g.dispatched++
	return nil
}

// Gather records one result received for the current round.
func (g *Gate) Gather(stage stagecoord.Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRound("gather", stage); err != nil {
		return err
	}
	if g.outstanding == 0 {
		return fmt.Errorf("%w: gather for %s with nothing outstanding", ErrBarrierViolation, stage)
	}
	g.gathered++
	g.release()
	return nil
}

// Abandon writes off one in-flight job, typically after its worker timed out.
func (g *Gate) Abandon(stage stagecoord.Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRound("abandon", stage); err != nil {
		return err
	}
	if g.outstanding == 0 {
		return fmt.Errorf("%w: abandon for %s with nothing outstanding", ErrBarrierViolation, stage)
	}
	g.release()
	return nil
}

func (g *Gate) release() {
	g.outstanding--
	if g.outstanding == 0 {
		close(g.idle)
	}
}

// Seal closes the current round.
func (g *Gate) Seal(stage stagecoord.Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRound("seal", stage); err != nil {
		return err
	}
	if g.outstanding > 0 {
		return fmt.Errorf("%w: %s has %d in flight", ErrOutstanding, stage, g.outstanding)
	}
	g.open = false
	g.lastSealed = stage
	return nil
}

// Outstanding returns the number of jobs dispatched but not yet gathered.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Counts returns how many jobs were dispatched and gathered in the current round.
func (g *Gate) Counts() (dispatched, gathered int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dispatched, g.gathered
}

// Current returns the open stage and whether a round is open.
// With no open round it returns the last sealed stage.
func (g *Gate) Current() (stagecoord.Stage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return g.current, true
	}
	return g.lastSealed, false
}

// Wait blocks until nothing is outstanding or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
