package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/backoff"
	brokermem "github.com/eternahome/conduit/broker/memory"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/engine"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/store/memory"
	"github.com/eternahome/conduit/tenant"
)

// ──────────────────────────────────────────────────
// Test fixtures
// ──────────────────────────────────────────────────

type convertInput struct {
	SourceFormat string `json:"source_format"`
	TargetFormat string `json:"target_format"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	s := memory.New()
	b := brokermem.New(brokermem.WithVisibilityTimeout(5 * time.Second))

	base := []engine.Option{
		engine.WithLogger(discardLogger()),
		engine.WithConfig(conduit.Config{
			Concurrency:  2,
			PollInterval: 5 * time.Millisecond,
		}),
		engine.WithBackoff(backoff.NewConstant(0)),
	}
	eng, err := engine.New(s, b, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return eng, s
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, ctx context.Context, eng *engine.Engine, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := eng.Status(ctx, jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s", jobID, want)
	return nil
}

// ──────────────────────────────────────────────────
// End-to-end: submit → process → validate → complete
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd(t *testing.T) {
	eng, _ := newTestEngine(t)

	var handled, validated atomic.Int32
	def := job.NewDefinition(job.TypeBIMConvertIFCToGLTF,
		func(ctx context.Context, run *job.Run, in convertInput) (string, error) {
			handled.Add(1)
			for _, pct := range []int{10, 50, 80} {
				if err := run.Progress(ctx, pct, "converting"); err != nil {
					return "", err
				}
			}
			return "s3://artifacts/" + run.Job.ResourceRef + ".gltf", nil
		},
		job.WithValidator(func(_ context.Context, run *job.Run, resultRef string) error {
			validated.Add(1)
			if run.Job.Status != job.StatusValidating {
				return fmt.Errorf("validator saw status %s, want %s", run.Job.Status, job.StatusValidating)
			}
			if resultRef == "" {
				return errors.New("validator got empty result ref")
			}
			return nil
		}),
	)
	engine.Register(eng, def)

	tenantA := tenant.WithTenant(context.Background(), uuid.New())
	tenantB := tenant.WithTenant(context.Background(), uuid.New())

	j1, err := engine.Submit(tenantA, eng, job.TypeBIMConvertIFCToGLTF, "models/42", convertInput{
		SourceFormat: "ifc",
		TargetFormat: "gltf",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j1.Status != job.StatusPending {
		t.Errorf("Status = %s, want %s", j1.Status, job.StatusPending)
	}
	if j1.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", j1.MaxAttempts)
	}

	// A second submission for the same resource while the first is still
	// active must be rejected.
	if _, err := engine.Submit(tenantA, eng, job.TypeBIMConvertIFCToGLTF, "models/42", convertInput{}); !errors.Is(err, conduit.ErrDuplicateActiveJob) {
		t.Fatalf("duplicate Submit error = %v, want ErrDuplicateActiveJob", err)
	}

	// The same resource ref under a different tenant is independent.
	j2, err := engine.Submit(tenantB, eng, job.TypeBIMConvertIFCToGLTF, "models/42", convertInput{})
	if err != nil {
		t.Fatalf("Submit for second tenant: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done1 := waitForStatus(t, tenantA, eng, j1.ID, job.StatusCompleted)
	done2 := waitForStatus(t, tenantB, eng, j2.ID, job.StatusCompleted)

	if done1.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done1.Progress)
	}
	if done1.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", done1.AttemptCount)
	}
	if done2.Status != job.StatusCompleted {
		t.Errorf("second tenant job status = %s, want completed", done2.Status)
	}

	ref, err := eng.Result(tenantA, j1.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if ref != "s3://artifacts/models/42.gltf" {
		t.Errorf("Result = %q, want %q", ref, "s3://artifacts/models/42.gltf")
	}

	if got := handled.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
	if got := validated.Load(); got != 2 {
		t.Errorf("validator ran %d times, want 2", got)
	}

	// Once the first job is terminal, the same (tenant, resource, type)
	// may be submitted again.
	if _, err := engine.Submit(tenantA, eng, job.TypeBIMConvertIFCToGLTF, "models/42", convertInput{}); err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Retry exhaustion and dead-lettering
// ──────────────────────────────────────────────────

func TestEngine_RetryExhaustionDeadLetters(t *testing.T) {
	eng, s := newTestEngine(t)

	var attempts atomic.Int32
	def := job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) {
			attempts.Add(1)
			return "", errors.New("speech service unavailable")
		},
		job.WithMaxAttempts(2),
	)
	engine.Register(eng, def)

	ctx := tenant.WithTenant(context.Background(), uuid.New())
	j, err := engine.Submit(ctx, eng, job.TypeVoiceCommand, "audio/log-7", convertInput{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", j.MaxAttempts)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	failed := waitForStatus(t, ctx, eng, j.ID, job.StatusFailed)
	if failed.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", failed.AttemptCount)
	}
	if failed.Failure == nil {
		t.Fatal("Failure not recorded on failed job")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}

	// The terminal failure must be dead-lettered exactly once.
	entries, err := s.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	if entries[0].JobID != j.ID {
		t.Errorf("DLQ entry job = %s, want %s", entries[0].JobID, j.ID)
	}

	// Result on a failed job reports the failure.
	if _, err := eng.Result(ctx, j.ID); err == nil {
		t.Error("Result on failed job returned nil error")
	}

	// Replay resubmits a fresh job through the engine's store and broker.
	replayed, err := eng.DLQ().Replay(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID == j.ID {
		t.Error("replayed job reused the failed job's ID")
	}
	if replayed.Status != job.StatusPending {
		t.Errorf("replayed job status = %s, want pending", replayed.Status)
	}
}

// ──────────────────────────────────────────────────
// Tenant isolation
// ──────────────────────────────────────────────────

func TestEngine_TenantIsolation(t *testing.T) {
	eng, _ := newTestEngine(t)
	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) { return "", nil },
	))

	owner := tenant.WithTenant(context.Background(), uuid.New())
	intruder := tenant.WithTenant(context.Background(), uuid.New())

	j, err := engine.Submit(owner, eng, job.TypeVoiceCommand, "audio/log-1", convertInput{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Every cross-tenant access reads as "not found", never as a
	// permission error.
	if _, err := eng.Status(intruder, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("Status error = %v, want ErrJobNotFound", err)
	}
	if _, err := eng.Result(intruder, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("Result error = %v, want ErrJobNotFound", err)
	}
	if _, err := eng.Cancel(intruder, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("Cancel error = %v, want ErrJobNotFound", err)
	}
	if err := eng.Forget(intruder, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("Forget error = %v, want ErrJobNotFound", err)
	}

	// Listing and counting are tenant-scoped.
	jobs, err := eng.List(intruder, job.StatusPending, job.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("intruder sees %d jobs, want 0", len(jobs))
	}
	n, err := eng.Count(owner, job.TypeVoiceCommand, job.StatusPending)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("owner count = %d, want 1", n)
	}

	// The owner still sees the job normally.
	if _, err := eng.Status(owner, j.ID); err != nil {
		t.Errorf("owner Status: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────

func TestEngine_CancelPendingJob(t *testing.T) {
	eng, _ := newTestEngine(t)
	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) { return "", nil },
	))

	ctx := tenant.WithTenant(context.Background(), uuid.New())
	j, err := engine.Submit(ctx, eng, job.TypeVoiceCommand, "audio/log-2", convertInput{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != job.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}

	// Cancelling an already cancelled job is a no-op.
	again, err := eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Status != job.StatusCancelled {
		t.Errorf("second Cancel status = %s, want cancelled", again.Status)
	}

	// Result on a cancelled job is an error.
	if _, err := eng.Result(ctx, j.ID); err == nil {
		t.Error("Result on cancelled job returned nil error")
	}

	// A cancelled job is terminal and can be forgotten.
	if err := eng.Forget(ctx, j.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := eng.Status(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Errorf("Status after Forget = %v, want ErrJobNotFound", err)
	}
}

func TestEngine_CancelCompletedJobRejected(t *testing.T) {
	eng, s := newTestEngine(t)
	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) { return "", nil },
	))

	ctx := tenant.WithTenant(context.Background(), uuid.New())
	j, err := engine.Submit(ctx, eng, job.TypeVoiceCommand, "audio/log-3", convertInput{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Drive the job to completed directly through the store.
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusPending, job.StatusProcessing, job.Update{}); err != nil {
		t.Fatalf("transition to processing: %v", err)
	}
	if _, err := s.TransitionJob(ctx, j.ID, job.StatusProcessing, job.StatusCompleted, job.Update{}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	if _, err := eng.Cancel(ctx, j.ID); !errors.Is(err, conduit.ErrInvalidTransition) {
		t.Errorf("Cancel completed job error = %v, want ErrInvalidTransition", err)
	}
}

// ──────────────────────────────────────────────────
// Guard rails
// ──────────────────────────────────────────────────

func TestEngine_SubmitUnknownType(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx := tenant.WithTenant(context.Background(), uuid.New())
	if _, err := engine.Submit(ctx, eng, job.Type("telepathy"), "mind/1", convertInput{}); !errors.Is(err, conduit.ErrUnknownJobType) {
		t.Errorf("Submit error = %v, want ErrUnknownJobType", err)
	}
}

func TestEngine_RequiresTenant(t *testing.T) {
	eng, _ := newTestEngine(t)
	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) { return "", nil },
	))

	bg := context.Background()
	if _, err := engine.Submit(bg, eng, job.TypeVoiceCommand, "audio/log-4", convertInput{}); !errors.Is(err, conduit.ErrNoTenant) {
		t.Errorf("Submit error = %v, want ErrNoTenant", err)
	}
	if _, err := eng.List(bg, job.StatusPending, job.ListOpts{}); !errors.Is(err, conduit.ErrNoTenant) {
		t.Errorf("List error = %v, want ErrNoTenant", err)
	}
	if _, err := eng.Count(bg, "", ""); !errors.Is(err, conduit.ErrNoTenant) {
		t.Errorf("Count error = %v, want ErrNoTenant", err)
	}
}

func TestEngine_ForgetActiveJobRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand,
		func(context.Context, *job.Run, convertInput) (string, error) { return "", nil },
	))

	ctx := tenant.WithTenant(context.Background(), uuid.New())
	j, err := engine.Submit(ctx, eng, job.TypeVoiceCommand, "audio/log-5", convertInput{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := eng.Forget(ctx, j.ID); !errors.Is(err, conduit.ErrJobNotTerminal) {
		t.Errorf("Forget pending job error = %v, want ErrJobNotTerminal", err)
	}
}

func TestEngine_NewRequiresStoreAndBroker(t *testing.T) {
	if _, err := engine.New(nil, brokermem.New()); !errors.Is(err, conduit.ErrNoStore) {
		t.Errorf("New(nil store) error = %v, want ErrNoStore", err)
	}
	if _, err := engine.New(memory.New(), nil); !errors.Is(err, conduit.ErrNoBroker) {
		t.Errorf("New(nil broker) error = %v, want ErrNoBroker", err)
	}
}
