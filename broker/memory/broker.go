// Package memory provides a fully in-memory broker satisfying the same
// visibility-timeout contract as the Redis backend. Intended for unit
// testing and development: the retry and crash-recovery behavior of the
// pipeline is testable against it without a real broker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/job"
)

// entry tracks one ticket inside the broker.
type entry struct {
	ticket    broker.Ticket
	notBefore time.Time // earliest time the ticket may be delivered
	deadline  time.Time // visibility deadline while in flight
	inflight  bool
}

// Broker is an in-memory implementation of broker.Broker.
// Safe for concurrent use.
type Broker struct {
	mu         sync.Mutex
	entries    map[string]*entry // key: ticket ID
	visibility time.Duration
	closed     bool
}

// Option configures the Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a dequeued ticket stays invisible
// before it becomes redeliverable.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// New returns an empty in-memory broker with a 30s visibility timeout.
func New(opts ...Option) *Broker {
	b := &Broker{
		entries:    make(map[string]*entry),
		visibility: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue publishes a ticket.
func (b *Broker) Enqueue(_ context.Context, t *broker.Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return conduit.ErrBrokerClosed
	}

	cp := *t
	b.entries[t.ID.String()] = &entry{ticket: cp}
	return nil
}

// Dequeue returns the next ready ticket for the given types, marking it
// invisible until the visibility deadline. Expired in-flight tickets are
// made redeliverable first, so an unacked ticket reappears here without
// any separate reaper.
func (b *Broker) Dequeue(_ context.Context, types []job.Type) (*broker.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, conduit.ErrBrokerClosed
	}

	now := time.Now().UTC()

	// Release expired in-flight tickets back to ready.
	for _, e := range b.entries {
		if e.inflight && now.After(e.deadline) {
			e.inflight = false
			e.notBefore = time.Time{}
		}
	}

	typeSet := make(map[job.Type]struct{}, len(types))
	for _, ty := range types {
		typeSet[ty] = struct{}{}
	}

	// Oldest enqueue first. No cross-job ordering is guaranteed by the
	// contract; this just keeps tests deterministic.
	var best *entry
	for _, e := range b.entries {
		if e.inflight || now.Before(e.notBefore) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.ticket.Type]; !ok {
				continue
			}
		}
		if best == nil || e.ticket.EnqueuedAt.Before(best.ticket.EnqueuedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil //nolint:nilnil // nothing ready is not an error
	}

	best.inflight = true
	best.deadline = now.Add(b.visibility)
	best.ticket.Delivery++

	cp := best.ticket
	return &cp, nil
}

// Ack permanently removes a delivered ticket. Acking a ticket the broker
// no longer tracks is a no-op: its visibility may have expired and the
// work been handed to someone else, which at-least-once delivery permits.
func (b *Broker) Ack(_ context.Context, t *broker.Ticket) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, t.ID.String())
	return nil
}

// Nack returns a delivered ticket, either back to ready after delay or
// dropped for good.
func (b *Broker) Nack(_ context.Context, t *broker.Ticket, requeue bool, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[t.ID.String()]
	if !ok {
		return nil
	}
	if !requeue {
		delete(b.entries, t.ID.String())
		return nil
	}
	e.inflight = false
	e.notBefore = time.Now().UTC().Add(delay)
	return nil
}

// Close marks the broker closed. Held tickets are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.entries = make(map[string]*entry)
	return nil
}

// Depth returns the number of tickets the broker currently tracks,
// in-flight included. Test helper.
func (b *Broker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
