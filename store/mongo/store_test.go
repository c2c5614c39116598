//go:build integration

package mongo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/store/mongo"
)

// setupTestStore creates a MongoDB container and returns a migrated Store.
func setupTestStore(t *testing.T) *mongo.Store {
	t.Helper()

	ctx := context.Background()

	container, err := mongomodule.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := mongo.New(ctx, uri, mongo.WithDatabase("conduit_test"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	if migErr := s.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return s
}

func newTestJob(tenantID uuid.UUID, resourceRef string, jobType job.Type) *job.Job {
	return &job.Job{
		Entity:      conduit.NewEntity(),
		ID:          id.NewJobID(),
		TenantID:    tenantID,
		Type:        jobType,
		ResourceRef: resourceRef,
		Payload:     []byte(`{"source_format":"ifc"}`),
		Status:      job.StatusPending,
		Message:     "queued",
		MaxAttempts: 3,
		Timeout:     5 * time.Minute,
	}
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCreateJob_DuplicateActiveIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	if err := s.CreateJob(ctx, newTestJob(tenantID, "models/42", job.TypeBIMConvertIFCToGLTF)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Same (tenant, resource, type) while active: rejected by the index.
	err := s.CreateJob(ctx, newTestJob(tenantID, "models/42", job.TypeBIMConvertIFCToGLTF))
	if !errors.Is(err, conduit.ErrDuplicateActiveJob) {
		t.Fatalf("duplicate CreateJob error = %v, want ErrDuplicateActiveJob", err)
	}

	// Different type and different tenant both pass.
	if err := s.CreateJob(ctx, newTestJob(tenantID, "models/42", job.TypeBIMConvertRVTToIFC)); err != nil {
		t.Errorf("CreateJob different type: %v", err)
	}
	if err := s.CreateJob(ctx, newTestJob(uuid.New(), "models/42", job.TypeBIMConvertIFCToGLTF)); err != nil {
		t.Errorf("CreateJob different tenant: %v", err)
	}
}

func TestCreateJob_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "models/7", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TenantID != j.TenantID {
		t.Errorf("TenantID = %s, want %s", got.TenantID, j.TenantID)
	}
	if got.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", got.Timeout)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

func TestTransitionJob_CASAndStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "models/8", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	attempt := 1
	workerID := id.NewWorkerID()
	claimed, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{
		AttemptCount: &attempt,
		ClaimedBy:    &workerID,
	})
	if err != nil {
		t.Fatalf("claim transition: %v", err)
	}
	if claimed.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", claimed.AttemptCount)
	}
	if claimed.ClaimedBy != workerID {
		t.Errorf("ClaimedBy = %s, want %s", claimed.ClaimedBy, workerID)
	}

	// The same claim again is stale: the job left pending.
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); !errors.Is(err, conduit.ErrStaleTransition) {
		t.Errorf("stale claim error = %v, want ErrStaleTransition", err)
	}

	// An unknown job reads as not found, not stale.
	if _, err := s.TransitionJob(ctx, id.NewJobID(), job.StatusPending, job.StatusProcessing, job.Update{}); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("missing job error = %v, want ErrJobNotFound", err)
	}
}

func TestTransitionJob_ProgressClamped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "models/9", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sixty := 60
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, job.Update{Progress: &sixty}); err != nil {
		t.Fatalf("progress 60: %v", err)
	}

	// A late checkpoint with a lower value must not move progress back.
	thirty := 30
	got, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, job.Update{Progress: &thirty})
	if err != nil {
		t.Fatalf("progress 30: %v", err)
	}
	if got.Progress != 60 {
		t.Errorf("Progress = %d, want 60", got.Progress)
	}
}

func TestTransitionJob_FailureRecorded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "models/10", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failure := job.NewFailure("handler_error", errors.New("geometry kernel crashed"), true)
	got, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusFailed, job.Update{Failure: failure})
	if err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	if got.Failure == nil {
		t.Fatal("Failure not persisted")
	}
	if got.Failure.Code != "handler_error" || !got.Failure.Permanent {
		t.Errorf("Failure = %+v, want handler_error/permanent", got.Failure)
	}
}

func TestDeleteJob_TerminalOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "models/11", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotTerminal) {
		t.Fatalf("delete pending error = %v, want ErrJobNotTerminal", err)
	}

	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusCancelled, job.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("GetJob after delete = %v, want ErrJobNotFound", err)
	}
}

func TestDLQ_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	entry := &dlq.Entry{
		ID:           id.NewDLQID(),
		JobID:        id.NewJobID(),
		Type:         job.TypeVoiceCommand,
		TenantID:     tenantID,
		ResourceRef:  "audio/log-3",
		Payload:      []byte(`{}`),
		Error:        "speech service unavailable",
		AttemptCount: 3,
		MaxAttempts:  3,
		FailedAt:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.Error != entry.Error {
		t.Errorf("Error = %q, want %q", got.Error, entry.Error)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{TenantID: &tenantID})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListDLQ returned %d entries, want 1", len(entries))
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, err = s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ after replay: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set after replay")
	}

	n, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeDLQ removed %d entries, want 1", n)
	}
}
