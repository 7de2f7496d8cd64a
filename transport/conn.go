package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates the connection or the bus behind it has been closed.
var ErrClosed = errors.New("transport closed")

// Conn is one rank's endpoint on a message bus.
type Conn interface {
	// Rank returns this endpoint's rank.
	Rank() int

	// Send delivers msg to rank to. It blocks only while the recipient's
	// mailbox is full and returns ctx.Err() if ctx is done first.
	Send(ctx context.Context, to int, msg Message) error

	// Recv blocks until a message addressed to this rank arrives.
	Recv(ctx context.Context) (Message, error)

	// Close releases the endpoint. Further calls return ErrClosed.
	Close() error
}
