package dlq

import (
	"context"
	"time"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
	broker   broker.Broker
}

// NewService creates a DLQ service. The job store and broker are needed
// for replay, which submits a fresh job.
func NewService(store Store, jobStore job.Store, b broker.Broker) *Service {
	return &Service{store: store, jobStore: jobStore, broker: b}
}

// Push builds a DLQ Entry from a terminally failed job and persists it.
// The error string is captured from the final handler error.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDLQID(),
		JobID:        j.ID,
		Type:         j.Type,
		TenantID:     j.TenantID,
		ResourceRef:  j.ResourceRef,
		Payload:      j.Payload,
		Error:        jobErr.Error(),
		Permanent:    conduit.IsPermanent(jobErr),
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
