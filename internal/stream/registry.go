// Package stream holds the process-wide table of live event channels.
//
// Each channel has one producer (the goroutine running a pipeline) and at
// most one consumer at a time (an SSE or WebSocket connection). Pushes never
// block and never fail for lack of a consumer. Close appends the end-of-stream
// sentinel; the channel leaves the table when a consumer drains past it.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrExists   = errors.New("stream: key already registered")
	ErrNotFound = errors.New("stream: no such channel")
	ErrClosed   = errors.New("stream: channel closed")
	ErrBusy     = errors.New("stream: channel already has a consumer")
)

// Channel is an unbounded FIFO of events terminated by a sentinel.
type Channel[E any] struct {
	mu       sync.Mutex
	queue    []E
	closed   bool
	closedAt time.Time

	notify    chan struct{}
	draining  atomic.Bool
	createdAt time.Time
}

func newChannel[E any]() *Channel[E] {
	return &Channel[E]{
		notify:    make(chan struct{}, 1),
		createdAt: time.Now(),
	}
}

func (c *Channel[E]) push(e E) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *Channel[E]) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.closedAt = time.Now()
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *Channel[E]) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take removes every queued event and reports whether the sentinel follows
// them.
func (c *Channel[E]) take() ([]E, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch, c.closed
}

// requeue puts undelivered events back at the head of the queue.
func (c *Channel[E]) requeue(events []E) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(events, c.queue...)
	c.mu.Unlock()
}

// Pending returns the number of queued events.
func (c *Channel[E]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Closed reports whether the sentinel has been pushed.
func (c *Channel[E]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── REGISTRY ─────────────────────────────────────────────────────────────────

// Registry maps keys to channels. The zero value is ready to use. All
// operations are atomic per key; there is no table-wide lock.
type Registry[E any] struct {
	channels sync.Map // string → *Channel[E]
}

// Register creates the channel for key. It fails with ErrExists if key is
// already live.
func (r *Registry[E]) Register(key string) (*Channel[E], error) {
	ch := newChannel[E]()
	if _, loaded := r.channels.LoadOrStore(key, ch); loaded {
		return nil, ErrExists
	}
	return ch, nil
}

// Lookup returns the live channel for key.
func (r *Registry[E]) Lookup(key string) (*Channel[E], bool) {
	v, ok := r.channels.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Channel[E]), true
}

// Has reports whether key has a live channel.
func (r *Registry[E]) Has(key string) bool {
	_, ok := r.channels.Load(key)
	return ok
}

// Push appends e to key's channel. It succeeds whether or not a consumer is
// attached.
func (r *Registry[E]) Push(key string, e E) error {
	ch, ok := r.Lookup(key)
	if !ok {
		return ErrNotFound
	}
	return ch.push(e)
}

// Close pushes the end-of-stream sentinel onto key's channel. Nothing can be
// pushed after it.
func (r *Registry[E]) Close(key string) error {
	ch, ok := r.Lookup(key)
	if !ok {
		return ErrNotFound
	}
	return ch.close()
}

// Deregister removes key's channel immediately, discarding anything queued.
// A consumer currently draining it returns.
func (r *Registry[E]) Deregister(key string) {
	v, ok := r.channels.LoadAndDelete(key)
	if !ok {
		return
	}
	ch := v.(*Channel[E])
	ch.mu.Lock()
	ch.queue = nil
	if !ch.closed {
		ch.closed = true
		ch.closedAt = time.Now()
	}
	ch.mu.Unlock()
	ch.wake()
}

// Drain delivers key's events to fn in push order until the sentinel is
// reached, then removes the channel and returns nil.
//
// If ctx is cancelled or fn returns an error, Drain returns that error and
// leaves the channel registered with every event fn did not accept still
// queued, so a later Drain continues where this one stopped. The event fn
// rejected is dropped. Only one Drain per key may run at a time; others get
// ErrBusy.
func (r *Registry[E]) Drain(ctx context.Context, key string, fn func(E) error) error {
	ch, ok := r.Lookup(key)
	if !ok {
		return ErrNotFound
	}
	if !ch.draining.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer ch.draining.Store(false)

	for {
		batch, closed := ch.take()
		for i, e := range batch {
			if err := ctx.Err(); err != nil {
				ch.requeue(batch[i:])
				return err
			}
			if err := fn(e); err != nil {
				ch.requeue(batch[i+1:])
				return err
			}
		}

		if closed {
			// Events pushed before close are all in batch; nothing can follow.
			r.channels.CompareAndDelete(key, ch)
			return nil
		}

		select {
		case <-ch.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep removes channels whose sentinel was pushed more than maxAge ago and
// which nobody is draining. It returns how many were removed.
func (r *Registry[E]) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	r.channels.Range(func(k, v any) bool {
		ch := v.(*Channel[E])
		ch.mu.Lock()
		stale := ch.closed && ch.closedAt.Before(cutoff)
		ch.mu.Unlock()
		if stale && !ch.draining.Load() && r.channels.CompareAndDelete(k, ch) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of live channels.
func (r *Registry[E]) Len() int {
	n := 0
	r.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
