// Package transport defines the messages exchanged between the coordinator
// and its workers and the connection abstraction that carries them.
//
// Rank 0 is always the coordinator. Workers are ranks 1..N.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teris-io/shortid"

	"github.com/getpup/stagecoord"
)

// CoordinatorRank is the rank of the coordinator.
const CoordinatorRank = 0

// ErrInvalidMessage indicates a message violates its kind's invariants.
var ErrInvalidMessage = errors.New("invalid message")

// Kind tags a Message.
type Kind string

const (
	// KindReady is sent by an idle worker announcing it can take work.
	KindReady Kind = "ready"

	// KindAssign carries a stage and a job record to one worker.
	KindAssign Kind = "assign"

	// KindResult carries the processed job record back to the coordinator.
	KindResult Kind = "result"

	// KindExit tells a worker to terminate.
	KindExit Kind = "exit"
)

// RemoteError is the failure a worker reports for an assignment.
type RemoteError struct {
	Stage    stagecoord.Stage `json:"stage"`
	JobIndex int              `json:"job_index"`
	Message  string           `json:"message"`
	Panic    bool             `json:"panic,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Panic {
		return fmt.Sprintf("%s panicked on job %d: %s", e.Stage, e.JobIndex, e.Message)
	}
	return fmt.Sprintf("%s failed on job %d: %s", e.Stage, e.JobIndex, e.Message)
}

// Message is a tagged union over the four protocol messages.
// Messages are only built through the New* constructors or by decoding,
// both of which validate, so accessors never re-check.
type Message struct {
	kind     Kind
	from     int
	to       int
	assignID string
	stage    stagecoord.Stage
	job      *stagecoord.JobRecord
	err      *RemoteError
}

// NewReady builds the READY a worker sends to the coordinator.
func NewReady(from int) (Message, error) {
	m := Message{kind: KindReady, from: from, to: CoordinatorRank}
	return m, m.validate()
}

// NewAssign builds an ASSIGN for worker to. The job is copied and the
// message gets a fresh correlation id.
func NewAssign(to int, stage stagecoord.Stage, job stagecoord.JobRecord) (Message, error) {
	id, err := shortid.Generate()
	if err != nil {
		return Message{}, fmt.Errorf("failed to generate assignment id: %w", err)
	}
	j := job.Clone()
	m := Message{kind: KindAssign, from: CoordinatorRank, to: to, assignID: id, stage: stage, job: &j}
	return m, m.validate()
}

// NewResult builds the RESULT a worker returns for assignID. rerr is nil on success.
func NewResult(from int, assignID string, stage stagecoord.Stage, job stagecoord.JobRecord, rerr *RemoteError) (Message, error) {
	j := job.Clone()
	m := Message{kind: KindResult, from: from, to: CoordinatorRank, assignID: assignID, stage: stage, job: &j, err: rerr}
	return m, m.validate()
}

// NewExit builds the EXIT the coordinator sends to worker to.
func NewExit(to int) (Message, error) {
	m := Message{kind: KindExit, from: CoordinatorRank, to: to}
	return m, m.validate()
}

func (m Message) validate() error {
	switch m.kind {
	case KindReady:
		if m.from < 1 {
			return fmt.Errorf("%w: ready from rank %d", ErrInvalidMessage, m.from)
		}
	case KindAssign:
		if m.to < 1 {
			return fmt.Errorf("%w: assign to rank %d", ErrInvalidMessage, m.to)
		}
		if !m.stage.Valid() {
			return fmt.Errorf("%w: assign with stage %d", ErrInvalidMessage, int(m.stage))
		}
		if m.assignID == "" || m.job == nil {
			return fmt.Errorf("%w: assign without id or job", ErrInvalidMessage)
		}
	case KindResult:
		if m.from < 1 {
			return fmt.Errorf("%w: result from rank %d", ErrInvalidMessage, m.from)
		}
		if !m.stage.Valid() {
			return fmt.Errorf("%w: result with stage %d", ErrInvalidMessage, int(m.stage))
		}
		if m.assignID == "" || m.job == nil {
			return fmt.Errorf("%w: result without id or job", ErrInvalidMessage)
		}
	case KindExit:
		if m.to < 1 {
			return fmt.Errorf("%w: exit to rank %d", ErrInvalidMessage, m.to)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.kind)
	}
	return nil
}

// Kind returns the message tag.
func (m Message) Kind() Kind { return m.kind }

// From returns the sender rank.
func (m Message) From() int { return m.from }

// To returns the recipient rank.
func (m Message) To() int { return m.to }

// AssignID returns the correlation id of an ASSIGN or RESULT.
func (m Message) AssignID() string { return m.assignID }

// Stage returns the stage of an ASSIGN or RESULT.
func (m Message) Stage() stagecoord.Stage { return m.stage }

// Job returns a copy of the carried record. The zero record is returned for
// READY and EXIT.
func (m Message) Job() stagecoord.JobRecord {
	if m.job == nil {
		return stagecoord.JobRecord{}
	}
	return m.job.Clone()
}

// Err returns the remote failure of a RESULT, or nil.
func (m Message) Err() *RemoteError { return m.err }

func (m Message) String() string {
	switch m.kind {
	case KindAssign, KindResult:
		return fmt.Sprintf("%s(%d->%d %s job=%d id=%s)", m.kind, m.from, m.to, m.stage, m.job.Index, m.assignID)
	default:
		return fmt.Sprintf("%s(%d->%d)", m.kind, m.from, m.to)
	}
}

type wireMessage struct {
	Kind     Kind                  `json:"kind"`
	From     int                   `json:"from"`
	To       int                   `json:"to"`
	AssignID string                `json:"assign_id,omitempty"`
	Stage    stagecoord.Stage      `json:"stage,omitempty"`
	Job      *stagecoord.JobRecord `json:"job,omitempty"`
	Err      *RemoteError          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Kind:     m.kind,
		From:     m.from,
		To:       m.to,
		AssignID: m.assignID,
		Stage:    m.stage,
		Job:      m.job,
		Err:      m.err,
	})
}

// UnmarshalJSON implements json.Unmarshaler and rejects invalid messages.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	decoded := Message{
		kind:     w.Kind,
		from:     w.From,
		to:       w.To,
		assignID: w.AssignID,
		stage:    w.Stage,
		job:      w.Job,
		err:      w.Err,
	}
	if err := decoded.validate(); err != nil {
		return err
	}
	*m = decoded
	return nil
}
