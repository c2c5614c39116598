// Package redis provides a Redis-backed broker using sorted sets for the
// ready and in-flight ticket queues. Ticket bodies are msgpack-encoded.
//
// Visibility is enforced by scoring in-flight tickets with their deadline:
// each Dequeue first sweeps expired members of the in-flight set back to
// their ready set, so crash recovery needs no separate reaper process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/job"
)

// Broker is a Redis implementation of broker.Broker.
type Broker struct {
	client     goredis.UniversalClient
	visibility time.Duration
	logger     *slog.Logger
}

// Option configures the Broker.
type Option func(*Broker)

// WithVisibilityTimeout sets how long a dequeued ticket stays invisible
// before it becomes redeliverable.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) { b.visibility = d }
}

// WithLogger sets the logger for the broker.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// New creates a Redis broker. The caller owns the client lifecycle; Close
// does not close it.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client:     client,
		visibility: 10 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue stores the ticket body and adds its ID to the type's ready set.
func (b *Broker) Enqueue(ctx context.Context, t *broker.Ticket) error {
	body, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("conduit/redis: encode ticket: %w", err)
	}

	now := time.Now().UTC()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, ticketKey(t.ID.String()), body, 0)
	pipe.SAdd(ctx, typesKey, string(t.Type))
	pipe.ZAdd(ctx, readyKey(t.Type), goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: t.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conduit/redis: enqueue ticket: %w", err)
	}
	return nil
}

// Dequeue sweeps expired in-flight tickets back to ready, then claims the
// earliest ready ticket for the given types.
func (b *Broker) Dequeue(ctx context.Context, types []job.Type) (*broker.Ticket, error) {
	if err := b.sweepExpired(ctx); err != nil {
		return nil, err
	}

	if len(types) == 0 {
		all, err := b.knownTypes(ctx)
		if err != nil {
			return nil, err
		}
		types = all
	}

	now := time.Now().UTC()
	for _, ty := range types {
		t, err := b.popReady(ctx, ty, now)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil //nolint:nilnil // nothing ready is not an error
}

// popReady claims one ready ticket from a type's ready set, or nil.
func (b *Broker) popReady(ctx context.Context, ty job.Type, now time.Time) (*broker.Ticket, error) {
	for {
		ids, err := b.client.ZRangeByScore(ctx, readyKey(ty), &goredis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("conduit/redis: dequeue range: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil //nolint:nilnil // empty queue
		}
		ticketID := ids[0]

		// ZRem decides the race between concurrent consumers: only the
		// one that removed the member owns the ticket.
		removed, err := b.client.ZRem(ctx, readyKey(ty), ticketID).Result()
		if err != nil {
			return nil, fmt.Errorf("conduit/redis: dequeue claim: %w", err)
		}
		if removed == 0 {
			continue // lost the race, try the next member
		}

		t, err := b.loadTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			// Body vanished (acked concurrently). Skip.
			continue
		}

		t.Delivery++
		if err := b.saveTicket(ctx, t); err != nil {
			return nil, err
		}

		deadline := time.Now().UTC().Add(b.visibility)
		if err := b.client.ZAdd(ctx, inflightKey, goredis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: ticketID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("conduit/redis: dequeue inflight add: %w", err)
		}
		return t, nil
	}
}

// sweepExpired moves in-flight tickets past their deadline back to their
// ready sets.
func (b *Broker) sweepExpired(ctx context.Context) error {
	now := time.Now().UTC()
	ids, err := b.client.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: sweep range: %w", err)
	}

	for _, ticketID := range ids {
		removed, remErr := b.client.ZRem(ctx, inflightKey, ticketID).Result()
		if remErr != nil {
			return fmt.Errorf("conduit/redis: sweep claim: %w", remErr)
		}
		if removed == 0 {
			continue // another consumer swept it
		}

		t, loadErr := b.loadTicket(ctx, ticketID)
		if loadErr != nil {
			return loadErr
		}
		if t == nil {
			continue
		}

		if zErr := b.client.ZAdd(ctx, readyKey(t.Type), goredis.Z{
			Score:  float64(now.UnixMilli()),
			Member: ticketID,
		}).Err(); zErr != nil {
			return fmt.Errorf("conduit/redis: sweep requeue: %w", zErr)
		}

		b.logger.Debug("requeued expired ticket",
			slog.String("ticket_id", ticketID),
			slog.String("job_id", t.JobID.String()),
			slog.Int("delivery", t.Delivery),
		)
	}
	return nil
}

// Ack permanently removes a delivered ticket.
func (b *Broker) Ack(ctx context.Context, t *broker.Ticket) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, t.ID.String())
	pipe.Del(ctx, ticketKey(t.ID.String()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conduit/redis: ack ticket: %w", err)
	}
	return nil
}

// Nack returns a delivered ticket, either back to ready after delay or
// dropped for good.
func (b *Broker) Nack(ctx context.Context, t *broker.Ticket, requeue bool, delay time.Duration) error {
	if !requeue {
		return b.Ack(ctx, t)
	}

	readyAt := time.Now().UTC().Add(delay)
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, t.ID.String())
	pipe.ZAdd(ctx, readyKey(t.Type), goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: t.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conduit/redis: nack ticket: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client.
func (b *Broker) Close() error { return nil }

func (b *Broker) knownTypes(ctx context.Context) ([]job.Type, error) {
	names, err := b.client.SMembers(ctx, typesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: list types: %w", err)
	}
	types := make([]job.Type, len(names))
	for i, n := range names {
		types[i] = job.Type(n)
	}
	return types, nil
}

func (b *Broker) loadTicket(ctx context.Context, ticketID string) (*broker.Ticket, error) {
	body, err := b.client.Get(ctx, ticketKey(ticketID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil //nolint:nilnil // missing body means ticket was acked
		}
		return nil, fmt.Errorf("conduit/redis: load ticket: %w", err)
	}
	var t broker.Ticket
	if err := msgpack.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("conduit/redis: decode ticket: %w", err)
	}
	return &t, nil
}

func (b *Broker) saveTicket(ctx context.Context, t *broker.Ticket) error {
	body, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("conduit/redis: encode ticket: %w", err)
	}
	if err := b.client.Set(ctx, ticketKey(t.ID.String()), body, 0).Err(); err != nil {
		return fmt.Errorf("conduit/redis: save ticket: %w", err)
	}
	return nil
}
