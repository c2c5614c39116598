package dlq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	brokermem "github.com/eternahome/conduit/broker/memory"
	conduitDLQ "github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/store/memory"
)

func newFailedJob(tenantID uuid.UUID, resourceRef string) *job.Job {
	return &job.Job{
		Entity:       conduit.NewEntity(),
		ID:           id.NewJobID(),
		TenantID:     tenantID,
		Type:         job.TypeBIMConvertIFCToGLTF,
		ResourceRef:  resourceRef,
		Payload:      []byte(`{"model_id":42,"target":"gltf"}`),
		Status:       job.StatusFailed,
		AttemptCount: 3,
		MaxAttempts:  3,
	}
}

func TestPush_BuildsEntryFromJob(t *testing.T) {
	s := memory.New()
	svc := conduitDLQ.NewService(s, s, brokermem.New())
	ctx := context.Background()
	tenant := uuid.New()

	j := newFailedJob(tenant, "model-42")
	jobErr := errors.New("ifc parser: truncated geometry section")

	if err := svc.Push(ctx, j, jobErr); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListDLQ(ctx, conduitDLQ.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.JobID != j.ID {
		t.Errorf("JobID = %v, want %v", entry.JobID, j.ID)
	}
	if entry.TenantID != tenant {
		t.Errorf("TenantID = %v, want %v", entry.TenantID, tenant)
	}
	if entry.ResourceRef != "model-42" {
		t.Errorf("ResourceRef = %q, want %q", entry.ResourceRef, "model-42")
	}
	if entry.Error != "ifc parser: truncated geometry section" {
		t.Errorf("Error = %q", entry.Error)
	}
	if entry.AttemptCount != 3 || entry.MaxAttempts != 3 {
		t.Errorf("attempts = %d/%d, want 3/3", entry.AttemptCount, entry.MaxAttempts)
	}
	if entry.Permanent {
		t.Error("Permanent = true for a transient error")
	}
}

func TestPush_PermanentError(t *testing.T) {
	s := memory.New()
	svc := conduitDLQ.NewService(s, s, brokermem.New())
	ctx := context.Background()

	j := newFailedJob(uuid.New(), "model-9")
	if err := svc.Push(ctx, j, conduit.Permanent(errors.New("unsupported schema IFC2x2"))); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := s.ListDLQ(ctx, conduitDLQ.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 || !entries[0].Permanent {
		t.Fatal("expected one permanent DLQ entry")
	}
}

func TestReplay_SubmitsFreshJob(t *testing.T) {
	s := memory.New()
	b := brokermem.New()
	svc := conduitDLQ.NewService(s, s, b)
	ctx := context.Background()
	tenant := uuid.New()

	failed := newFailedJob(tenant, "model-42")
	if err := svc.Push(ctx, failed, errors.New("converter crashed")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	entries, _ := s.ListDLQ(ctx, conduitDLQ.ListOpts{})
	entryID := entries[0].ID

	replayed, err := svc.Replay(ctx, entryID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID == failed.ID {
		t.Fatal("replayed job reused the original ID")
	}
	if replayed.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", replayed.Status)
	}
	if replayed.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0", replayed.AttemptCount)
	}
	if string(replayed.Payload) != string(failed.Payload) {
		t.Fatal("payload not preserved")
	}

	// Ticket enqueued for the new job.
	ticket, err := b.Dequeue(ctx, nil)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ticket == nil || ticket.JobID != replayed.ID {
		t.Fatal("no ticket for the replayed job")
	}

	entry, err := s.GetDLQ(ctx, entryID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if entry.ReplayedAt == nil {
		t.Fatal("ReplayedAt not set")
	}
}

func TestReplay_BlockedByActiveJob(t *testing.T) {
	s := memory.New()
	svc := conduitDLQ.NewService(s, s, brokermem.New())
	ctx := context.Background()
	tenant := uuid.New()

	failed := newFailedJob(tenant, "model-42")
	if err := svc.Push(ctx, failed, errors.New("converter crashed")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Someone already resubmitted work for the same resource.
	active := &job.Job{
		Entity:      conduit.NewEntity(),
		ID:          id.NewJobID(),
		TenantID:    tenant,
		Type:        failed.Type,
		ResourceRef: failed.ResourceRef,
		Status:      job.StatusPending,
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, active); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	entries, _ := s.ListDLQ(ctx, conduitDLQ.ListOpts{})
	if _, err := svc.Replay(ctx, entries[0].ID); !errors.Is(err, conduit.ErrDuplicateActiveJob) {
		t.Fatalf("Replay = %v, want ErrDuplicateActiveJob", err)
	}
}

func TestReplay_UnknownEntry(t *testing.T) {
	s := memory.New()
	svc := conduitDLQ.NewService(s, s, brokermem.New())

	if _, err := svc.Replay(context.Background(), id.NewDLQID()); !errors.Is(err, conduit.ErrDLQNotFound) {
		t.Fatalf("Replay unknown = %v, want ErrDLQNotFound", err)
	}
}
