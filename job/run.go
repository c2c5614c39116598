package job

import (
	"context"
	"fmt"
)

// Run is the execution handle handed to a processing function. It exposes
// the claimed job snapshot and a progress checkpoint that rides the same
// compare-and-set path as every other mutation.
type Run struct {
	// Job is the snapshot taken at claim time. Handlers read ResourceRef,
	// TenantID, and Payload from it; they never write it.
	Job *Job

	store  Store
	notify ProgressFunc
}

// ProgressFunc observes checkpoints recorded through a Run, after the
// store write lands.
type ProgressFunc func(ctx context.Context, j *Job, pct int, message string)

// NewRun builds an execution handle for a claimed job.
func NewRun(j *Job, store Store) *Run {
	return &Run{Job: j, store: store}
}

// NotifyProgress sets the observer called after each successful
// checkpoint.
func (r *Run) NotifyProgress(fn ProgressFunc) { r.notify = fn }

// Progress records an incremental checkpoint while the job is in-flight.
// The write rides the working-state self-loop of whatever state the job
// was claimed in, so a run taken over in validating keeps checkpointing.
// Progress is clamped so it never decreases. A conduit.ErrStaleTransition
// return means the job left that state underneath the handler —
// cancellation landed, or another worker took the claim over — and the
// handler must abort cleanly instead of overwriting a terminal state.
func (r *Run) Progress(ctx context.Context, pct int, message string) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("job: progress %d out of range [0,100]", pct)
	}
	updated, err := r.store.TransitionJob(ctx, r.Job.ID, r.Job.Status, r.Job.Status, Update{
		Progress: &pct,
		Message:  &message,
	})
	if err != nil {
		return err
	}
	r.Job = updated
	if r.notify != nil {
		r.notify(ctx, updated, pct, message)
	}
	return nil
}
