// Package redisbus carries coordinator and worker messages over Redis lists,
// so workers can run as separate processes or on separate hosts.
//
// Each rank owns the list {prefix}:rank:{n}. Send appends with RPUSH and Recv
// pops with a short BLPOP so that context cancellation is observed promptly.
// The BLPOP itself is never cancelled by the caller's context: once Redis has
// removed a message the reply is always read and returned, so a deadline
// firing mid-reply cannot drop it. A Recv may therefore overrun its deadline
// by up to one BLPOP timeout, which Redis rounds up to a whole second.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/redis/go-redis/v9"

	"github.com/getpup/stagecoord/transport"
)

const (
	// DefaultPrefix namespaces the mailboxes when Config.Prefix is empty.
	DefaultPrefix = "stagecoord"

	// DefaultPollInterval bounds each BLPOP when Config.PollInterval is zero.
	DefaultPollInterval = time.Second
)

// Config configures a Conn.
type Config struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient

	// Rank is the rank this connection receives for.
	Rank int

	// Prefix namespaces the mailboxes of one run.
	Prefix string

	// PollInterval bounds each blocking pop.
	PollInterval time.Duration

	// Logger is optional.
	Logger es.Logger
}

// Conn is a transport.Conn over Redis.
type Conn struct {
	client redis.UniversalClient
	rank   int
	prefix string
	poll   time.Duration
	logger es.Logger
	closed atomic.Bool
}

// New creates a connection for cfg.Rank.
func New(cfg Config) (*Conn, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbus: client is required")
	}
	if cfg.Rank < 0 {
		return nil, fmt.Errorf("redisbus: invalid rank %d", cfg.Rank)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Conn{
		client: cfg.Client,
		rank:   cfg.Rank,
		prefix: cfg.Prefix,
		poll:   cfg.PollInterval,
		logger: cfg.Logger,
	}, nil
}

// Key returns the mailbox key of rank.
func Key(prefix string, rank int) string {
	return fmt.Sprintf("%s:rank:%d", prefix, rank)
}

func (c *Conn) Rank() int {
	return c.rank
}

func (c *Conn) Send(ctx context.Context, to int, msg transport.Message) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := c.client.RPush(ctx, Key(c.prefix, to), data).Err(); err != nil {
		return fmt.Errorf("failed to push message to rank %d: %w", to, err)
	}
	return nil
}

func (c *Conn) Recv(ctx context.Context) (transport.Message, error) {
	key := Key(c.prefix, c.rank)
	for {
		if c.closed.Load() {
			return transport.Message{}, transport.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return transport.Message{}, err
		}

		res, err := c.client.BLPop(context.WithoutCancel(ctx), c.wait(ctx, time.Now()), key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return transport.Message{}, fmt.Errorf("failed to pop message for rank %d: %w", c.rank, err)
		}
		if len(res) != 2 {
			return transport.Message{}, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
		}

		var msg transport.Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			if c.logger != nil {
				c.logger.Error(ctx, "dropping undecodable message", "rank", c.rank, "error", err)
			}
			continue
		}
		return msg, nil
	}
}

// wait returns how long the next BLPOP may block: the poll interval, cut
// short by the deadline of ctx.
func (c *Conn) wait(ctx context.Context, now time.Time) time.Duration {
	d := c.poll
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(now); remaining < d {
			d = remaining
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Close stops the connection. The Redis client is owned by the caller.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Purge deletes the mailboxes of ranks 0..workers under prefix, dropping
// messages left over from an earlier run.
func Purge(ctx context.Context, client redis.UniversalClient, prefix string, workers int) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	keys := make([]string, 0, workers+1)
	for r := 0; r <= workers; r++ {
		keys = append(keys, Key(prefix, r))
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge mailboxes: %w", err)
	}
	return nil
}
