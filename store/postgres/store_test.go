//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/store/postgres"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("conduit_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := postgres.New(ctx, connStr)
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
		Payload:     []byte(`{"model_id":42}`),
		Status:      job.StatusPending,
		MaxAttempts: 3,
	}
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second run must skip already-applied files.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateJob_DuplicateActiveIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	if err := s.CreateJob(ctx, newTestJob(tenant, "model-42", job.TypeBIMConvertIFCToGLTF)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err := s.CreateJob(ctx, newTestJob(tenant, "model-42", job.TypeBIMConvertIFCToGLTF))
	if !errors.Is(err, conduit.ErrDuplicateActiveJob) {
		t.Fatalf("duplicate = %v, want ErrDuplicateActiveJob", err)
	}

	// Different tenant, same resource: the index scopes per tenant.
	if err := s.CreateJob(ctx, newTestJob(uuid.New(), "model-42", job.TypeBIMConvertIFCToGLTF)); err != nil {
		t.Fatalf("CreateJob other tenant: %v", err)
	}
}

func TestCreateJob_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-7", job.TypeVoiceCommand)
	j.Timeout = 2 * time.Minute
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TenantID != j.TenantID || got.Type != j.Type || got.ResourceRef != j.ResourceRef {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %v, want 2m", got.Timeout)
	}
	if string(got.Payload) != `{"model_id":42}` {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestTransitionJob_CASAndStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-1", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	worker := id.NewWorkerID()
	attempt := 1
	got, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{
		AttemptCount: &attempt,
		ClaimedBy:    &worker,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != job.StatusProcessing || got.AttemptCount != 1 {
		t.Fatalf("after claim: status=%s attempts=%d", got.Status, got.AttemptCount)
	}
	if got.ClaimedBy != worker {
		t.Fatalf("claimed_by = %v, want %v", got.ClaimedBy, worker)
	}

	_, err = s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{})
	if !errors.Is(err, conduit.ErrStaleTransition) {
		t.Fatalf("second claim = %v, want ErrStaleTransition", err)
	}

	_, err = s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusPending, job.Update{})
	if !errors.Is(err, conduit.ErrInvalidTransition) {
		t.Fatalf("backwards = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionJob_ProgressClampedInSQL(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-1", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sixty, thirty := 60, 30
	got, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, job.Update{Progress: &sixty})
	if err != nil || got.Progress != 60 {
		t.Fatalf("progress 60: %v, got %d", err, got.Progress)
	}
	got, err = s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, job.Update{Progress: &thirty})
	if err != nil {
		t.Fatalf("progress 30: %v", err)
	}
	if got.Progress != 60 {
		t.Fatalf("progress after stale checkpoint = %d, want 60", got.Progress)
	}
}

func TestTransitionJob_ConcurrentClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-1", job.TypeBIMConvertIFCToGLTF)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, conduit.ErrStaleTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestTransitionJob_FailureRecorded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-1", job.TypeVoiceCommand)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failure := job.NewFailure("handler_error", errors.New("transcription backend unreachable"), false)
	got, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusFailed, job.Update{Failure: failure})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Failure == nil || got.Failure.Message != "transcription backend unreachable" {
		t.Fatalf("failure not recorded: %+v", got.Failure)
	}

	reloaded, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if reloaded.Failure == nil || reloaded.Failure.Code != "handler_error" {
		t.Fatalf("failure not persisted: %+v", reloaded.Failure)
	}
}

func TestDeleteJob_TerminalOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := newTestJob(uuid.New(), "model-1", job.TypeVoiceCommand)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotTerminal) {
		t.Fatalf("delete pending = %v, want ErrJobNotTerminal", err)
	}

	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusCancelled, job.Update{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("get after delete = %v, want ErrJobNotFound", err)
	}
}

func TestDLQ_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tenant := uuid.New()

	entry := &dlq.Entry{
		ID:           id.NewDLQID(),
		JobID:        id.NewJobID(),
		Type:         job.TypeBIMConvertIFCToGLTF,
		TenantID:     tenant,
		ResourceRef:  "model-42",
		Payload:      []byte(`{"model_id":42}`),
		Error:        "ifc parser: truncated geometry section",
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
	if got.JobID != entry.JobID || got.TenantID != tenant || got.Error != entry.Error {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, _ = s.GetDLQ(ctx, entry.ID)
	if got.ReplayedAt == nil {
		t.Fatal("ReplayedAt not set")
	}

	count, err := s.CountDLQ(ctx, &tenant)
	if err != nil || count != 1 {
		t.Fatalf("CountDLQ = %d, %v", count, err)
	}

	removed, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("PurgeDLQ = %d, %v", removed, err)
	}
}
