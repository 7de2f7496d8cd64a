// Package chanbus is an in-process transport backed by buffered channels.
// It runs the coordinator and its workers as goroutines of one process.
package chanbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/getpup/stagecoord/transport"
)

// DefaultBuffer is the mailbox capacity used when Config.Buffer is zero.
const DefaultBuffer = 16

// Config configures a Bus.
type Config struct {
	// Workers is the number of worker ranks. The bus has Workers+1 mailboxes.
	Workers int

	// Buffer is the per-rank mailbox capacity.
	Buffer int
}

// Bus holds one mailbox per rank.
type Bus struct {
	mailboxes []chan transport.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a bus for the coordinator and cfg.Workers workers.
func New(cfg Config) (*Bus, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("chanbus: need at least one worker, got %d", cfg.Workers)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}

	b := &Bus{
		mailboxes: make([]chan transport.Message, cfg.Workers+1),
		closed:    make(chan struct{}),
	}
	for i := range b.mailboxes {
		b.mailboxes[i] = make(chan transport.Message, cfg.Buffer)
	}
	return b, nil
}

// Size returns the number of ranks, coordinator included.
func (b *Bus) Size() int {
	return len(b.mailboxes)
}

// Endpoint returns the connection for rank.
func (b *Bus) Endpoint(rank int) (transport.Conn, error) {
	if rank < 0 || rank >= len(b.mailboxes) {
		return nil, fmt.Errorf("chanbus: rank %d out of range [0,%d)", rank, len(b.mailboxes))
	}
	return &endpoint{bus: b, rank: rank, done: make(chan struct{})}, nil
}

// Close shuts the bus down. Pending and future calls on every endpoint return
// transport.ErrClosed.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

type endpoint struct {
	bus       *Bus
	rank      int
	done      chan struct{}
	closeOnce sync.Once
}

func (e *endpoint) Rank() int {
	return e.rank
}

func (e *endpoint) Send(ctx context.Context, to int, msg transport.Message) error {
	if to < 0 || to >= len(e.bus.mailboxes) {
		return fmt.Errorf("chanbus: rank %d out of range [0,%d)", to, len(e.bus.mailboxes))
	}
	if err := e.alive(); err != nil {
		return err
	}

	select {
	case e.bus.mailboxes[to] <- msg:
		return nil
	case <-e.bus.closed:
		return transport.ErrClosed
	case <-e.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Recv(ctx context.Context) (transport.Message, error) {
	if err := e.alive(); err != nil {
		return transport.Message{}, err
	}

	select {
	case msg := <-e.bus.mailboxes[e.rank]:
		return msg, nil
	case <-e.bus.closed:
		return transport.Message{}, transport.ErrClosed
	case <-e.done:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (e *endpoint) alive() error {
	select {
	case <-e.bus.closed:
		return transport.ErrClosed
	case <-e.done:
		return transport.ErrClosed
	default:
		return nil
	}
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
