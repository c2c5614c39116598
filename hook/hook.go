// Package hook defines the lifecycle hook system for Conduit. Hooks are
// notified of pipeline events (job submitted, claimed, progress,
// completed, failed, cancelled, dead-lettered) and can react to them —
// metrics, audit trails, notifications.
//
// Each lifecycle event is a separate interface so hooks opt in only to the
// events they care about.
package hook

import (
	"context"
	"time"

	"github.com/eternahome/conduit/job"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// JobSubmitted is called after a job is created and its ticket enqueued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobClaimed is called when a worker wins the claim and begins executing.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, j *job.Job) error
}

// JobProgress is called after a handler records a progress checkpoint.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, pct int, message string) error
}

// JobCompleted is called after a job reaches completed.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job reaches failed (retries exhausted or
// permanent error).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when an attempt fails transiently and the ticket
// is nacked back for redelivery.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, delay time.Duration) error
}

// JobCancelled is called after a cancellation transition lands.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobDLQ is called when a failed job is recorded in the dead letter queue.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, j *job.Job, err error) error
}

// Shutdown is called once when the pipeline stops.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
