package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBuffer       = 64
	DefaultStallTimeout = 30 * time.Second
)

// ErrConsumerActive is returned when a second consumer tries to read a channel.
var ErrConsumerActive = errors.New("stream already has an active consumer")

// Channel is an ordered event sequence with one producer and one consumer.
//
// The producer calls Emit any number of times and Close once. The consumer
// calls Next (or NextBatch) until io.EOF. Emit never blocks longer than the
// stall timeout: a consumer that does not keep up is detached and the rest
// of the run is dropped, so memory stays bounded by the batch buffer.
type Channel struct {
	batches      chan []Event
	detached     chan struct{}
	stallTimeout time.Duration
	log          logrus.FieldLogger

	mu     sync.Mutex // serialises Emit and Close
	closed bool

	detachOnce sync.Once
	dropped    atomic.Int64
	onDrop     func(n int)

	consumerMu sync.Mutex
	claimed    bool
	pending    []Event
}

type Option func(*Channel)

func WithBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.batches = make(chan []Event, n)
		}
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.stallTimeout = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDropHook is called with the number of events dropped by each Emit
// that could not deliver.
func WithDropHook(fn func(n int)) Option {
	return func(c *Channel) { c.onDrop = fn }
}

func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		batches:      make(chan []Event, DefaultBuffer),
		detached:     make(chan struct{}),
		stallTimeout: DefaultStallTimeout,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit appends one batch. It is a no-op after Close or Detach.
func (c *Channel) Emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	batch := make([]Event, len(events))
	copy(batch, events)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.Detached() {
		c.drop(len(batch))
		return
	}

	select {
	case c.batches <- batch:
		return
	default:
	}

	timer := time.NewTimer(c.stallTimeout)
	defer timer.Stop()
	select {
	case c.batches <- batch:
	case <-c.detached:
		c.drop(len(batch))
	case <-timer.C:
		c.log.WithField("stall_timeout", c.stallTimeout).Warn("stream consumer stalled, detaching")
		c.Detach()
		c.drop(len(batch))
	}
}

func (c *Channel) drop(n int) {
	c.dropped.Add(int64(n))
	if c.onDrop != nil {
		c.onDrop(n)
	}
}

// Close marks the end of the stream. Further Emit calls are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.batches)
}

// Detach is called when the consumer goes away. It is safe to call more
// than once and from any goroutine.
func (c *Channel) Detach() {
	c.detachOnce.Do(func() { close(c.detached) })
}

// Detached reports whether the consumer has gone away.
func (c *Channel) Detached() bool {
	select {
	case <-c.detached:
		return true
	default:
		return false
	}
}

// Dropped returns how many events were not delivered.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Claim registers the caller as the consumer.
func (c *Channel) Claim() error {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	if c.claimed {
		return ErrConsumerActive
	}
	c.claimed = true
	return nil
}

// NextBatch blocks until the next batch is available. It returns io.EOF
// once the producer has closed the stream and everything was read.
func (c *Channel) NextBatch(ctx context.Context) ([]Event, error) {
	if len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		return batch, nil
	}
	select {
	case batch, ok := <-c.batches:
		if !ok {
			return nil, io.EOF
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next blocks until the next not-yet-seen event is available.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	for len(c.pending) == 0 {
		batch, err := c.NextBatch(ctx)
		if err != nil {
			return Event{}, err
		}
		c.pending = batch
	}
	e := c.pending[0]
	c.pending = c.pending[1:]
	return e, nil
}

// Collect drains the channel. Intended for tests and in-process callers.
func (c *Channel) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		e, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
