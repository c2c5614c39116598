// Package broker defines the message channel that decouples job submission
// from execution. A broker carries opaque work tickets — never job
// semantics or tenant data — with at-least-once delivery: a ticket that is
// not acknowledged within the visibility timeout becomes eligible for
// redelivery. That redelivery mechanism is the pipeline's sole source of
// retry and crash recovery.
package broker

import (
	"context"
	"time"

	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// Ticket is a broker-delivered reference to a job awaiting execution.
type Ticket struct {
	ID    id.TicketID `json:"id" msgpack:"id"`
	JobID id.JobID    `json:"job_id" msgpack:"job_id"`
	Type  job.Type    `json:"job_type" msgpack:"job_type"`

	// Delivery counts deliveries of this ticket, starting at 1. A value
	// above 1 means the previous consumer nacked or disappeared.
	Delivery int `json:"delivery" msgpack:"delivery"`

	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// NewTicket builds a ticket for a job.
func NewTicket(jobID id.JobID, jobType job.Type) *Ticket {
	return &Ticket{
		ID:         id.NewTicketID(),
		JobID:      jobID,
		Type:       jobType,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Broker is the transport contract between submitters and workers.
//
// A dequeued ticket is invisible to other consumers until it is acked,
// nacked, or its visibility timeout elapses. Within that window the broker
// guarantees a single outstanding delivery per ticket, which is what lets
// a worker take over a crashed peer's claim safely.
type Broker interface {
	// Enqueue publishes a ticket. At-least-once: a broker may deliver the
	// ticket more than once, never zero times while it stays unacked.
	Enqueue(ctx context.Context, t *Ticket) error

	// Dequeue receives the next ready ticket for any of the given job
	// types. It returns (nil, nil) when nothing is ready; callers poll.
	// An empty types slice matches every type.
	Dequeue(ctx context.Context, types []job.Type) (*Ticket, error)

	// Ack permanently removes a delivered ticket.
	Ack(ctx context.Context, t *Ticket) error

	// Nack returns a delivered ticket. With requeue it becomes ready
	// again after delay; without, it is dropped.
	Nack(ctx context.Context, t *Ticket, requeue bool, delay time.Duration) error

	// Close releases broker resources.
	Close() error
}
