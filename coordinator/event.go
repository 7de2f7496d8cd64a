package coordinator

import (
	"fmt"
	"time"

	"github.com/getpup/stagecoord"
)

// EventKind identifies a protocol event.
type EventKind string

const (
	// EventDispatch is an ASSIGN sent to a worker.
	EventDispatch EventKind = "dispatch"

	// EventGather is a RESULT accepted from a worker.
	EventGather EventKind = "gather"

	// EventAggregate is the AOT merge between stage 1 and stage 2.
	EventAggregate EventKind = "aggregate"

	// EventSkip is a stage that no job required.
	EventSkip EventKind = "skip"

	// EventExit is an EXIT sent to a worker.
	EventExit EventKind = "exit"

	// EventExclude is a worker marked dead after a timeout.
	EventExclude EventKind = "exclude"
)

// Event is one observable step of a run. JobIndex is -1 and Worker is 0 when
// not applicable.
type Event struct {
	Kind     EventKind
	Stage    stagecoord.Stage
	JobIndex int
	Worker   int
	AOT      *float64
	Failed   bool
	Time     time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s job=%d worker=%d", e.Kind, e.Stage, e.JobIndex, e.Worker)
}
