package hook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// recordingHook implements every job event and records what it saw.
type recordingHook struct {
	name   string
	events []string
	fail   bool
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) record(event string) error {
	h.events = append(h.events, event)
	if h.fail {
		return errors.New("hook failure")
	}
	return nil
}

func (h *recordingHook) OnJobSubmitted(_ context.Context, _ *job.Job) error {
	return h.record("submitted")
}

func (h *recordingHook) OnJobClaimed(_ context.Context, _ *job.Job) error {
	return h.record("claimed")
}

func (h *recordingHook) OnJobProgress(_ context.Context, _ *job.Job, _ int, _ string) error {
	return h.record("progress")
}

func (h *recordingHook) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	return h.record("completed")
}

func (h *recordingHook) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	return h.record("failed")
}

func (h *recordingHook) OnJobCancelled(_ context.Context, _ *job.Job) error {
	return h.record("cancelled")
}

// claimOnlyHook opts in to a single event.
type claimOnlyHook struct {
	claims int
}

func (h *claimOnlyHook) Name() string { return "claim-only" }

func (h *claimOnlyHook) OnJobClaimed(_ context.Context, _ *job.Job) error {
	h.claims++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryDispatchesEvents(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	h := &recordingHook{name: "recorder"}
	r.Register(h)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeVoiceCommand}

	r.EmitJobSubmitted(ctx, j)
	r.EmitJobClaimed(ctx, j)
	r.EmitJobProgress(ctx, j, 40, "converting geometry")
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("boom"))
	r.EmitJobCancelled(ctx, j)

	want := []string{"submitted", "claimed", "progress", "completed", "failed", "cancelled"}
	if len(h.events) != len(want) {
		t.Fatalf("events = %v, want %v", h.events, want)
	}
	for i, e := range want {
		if h.events[i] != e {
			t.Errorf("events[%d] = %q, want %q", i, h.events[i], e)
		}
	}
}

func TestRegistryOnlyNotifiesImplementedEvents(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	h := &claimOnlyHook{}
	r.Register(h)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID()}

	// None of these should reach the hook.
	r.EmitJobSubmitted(ctx, j)
	r.EmitJobCompleted(ctx, j, 0)
	r.EmitJobDLQ(ctx, j, errors.New("boom"))

	r.EmitJobClaimed(ctx, j)
	if h.claims != 1 {
		t.Errorf("claims = %d, want 1", h.claims)
	}
}

func TestHookErrorsDoNotStopFanOut(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	failing := &recordingHook{name: "failing", fail: true}
	healthy := &recordingHook{name: "healthy"}
	r.Register(failing)
	r.Register(healthy)

	r.EmitJobSubmitted(context.Background(), &job.Job{ID: id.NewJobID()})

	if len(failing.events) != 1 || len(healthy.events) != 1 {
		t.Errorf("fan-out stopped: failing=%v healthy=%v", failing.events, healthy.events)
	}
}

func TestHooksAccessor(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	r.Register(&claimOnlyHook{})
	r.Register(&recordingHook{name: "recorder"})

	if got := len(r.Hooks()); got != 2 {
		t.Errorf("len(Hooks()) = %d, want 2", got)
	}
}
