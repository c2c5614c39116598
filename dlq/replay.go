package dlq

import (
	"context"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// Replay submits a DLQ entry as a fresh pending job and marks the entry
// as replayed. The new job gets a fresh ID and a zero attempt count; it
// passes through the same duplicate-active check as a normal submission,
// so a replay while another job for the same resource is already in
// flight fails with conduit.ErrDuplicateActiveJob.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		Entity:      conduit.NewEntity(),
		ID:          id.NewJobID(),
		TenantID:    entry.TenantID,
		Type:        entry.Type,
		ResourceRef: entry.ResourceRef,
		Payload:     entry.Payload,
		Status:      job.StatusPending,
		MaxAttempts: entry.MaxAttempts,
	}

	if err := s.jobStore.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.broker.Enqueue(ctx, broker.NewTicket(j.ID, j.Type)); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already submitted. Return it regardless.
		return j, err
	}

	return j, nil
}
