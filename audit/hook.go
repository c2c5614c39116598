package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternahome/conduit/hook"
	"github.com/eternahome/conduit/job"
)

// Compile-time interface checks.
var (
	_ hook.Hook         = (*Hook)(nil)
	_ hook.JobSubmitted = (*Hook)(nil)
	_ hook.JobClaimed   = (*Hook)(nil)
	_ hook.JobCompleted = (*Hook)(nil)
	_ hook.JobFailed    = (*Hook)(nil)
	_ hook.JobRetrying  = (*Hook)(nil)
	_ hook.JobCancelled = (*Hook)(nil)
	_ hook.JobDLQ       = (*Hook)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so this package stays free of any trail backend
// dependency; callers inject the concrete recorder at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the structured audit record emitted for each lifecycle event.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Hook bridges pipeline lifecycle events to an audit trail backend.
type Hook struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates a Hook that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Hook {
	h := &Hook{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements hook.Hook.
func (h *Hook) Name() string { return "audit" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements hook.JobSubmitted.
func (h *Hook) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, j, nil,
		"job_type", string(j.Type),
		"resource_ref", j.ResourceRef,
	)
}

// OnJobClaimed implements hook.JobClaimed.
func (h *Hook) OnJobClaimed(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobClaimed, SeverityInfo, OutcomeSuccess, j, nil,
		"job_type", string(j.Type),
		"worker_id", j.ClaimedBy.String(),
		"attempt", j.AttemptCount,
	)
}

// OnJobCompleted implements hook.JobCompleted.
func (h *Hook) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return h.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, nil,
		"job_type", string(j.Type),
		"result_ref", j.ResultRef,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements hook.JobFailed.
func (h *Hook) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	return h.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, j, jobErr,
		"job_type", string(j.Type),
		"attempt_count", j.AttemptCount,
		"max_attempts", j.MaxAttempts,
	)
}

// OnJobRetrying implements hook.JobRetrying.
func (h *Hook) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, delay time.Duration) error {
	return h.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, j, nil,
		"job_type", string(j.Type),
		"attempt", attempt,
		"retry_delay_ms", delay.Milliseconds(),
	)
}

// OnJobCancelled implements hook.JobCancelled.
func (h *Hook) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return h.record(ctx, ActionJobCancelled, SeverityInfo, OutcomeSuccess, j, nil,
		"job_type", string(j.Type),
		"progress", j.Progress,
	)
}

// OnJobDLQ implements hook.JobDLQ.
func (h *Hook) OnJobDLQ(ctx context.Context, j *job.Job, jobErr error) error {
	return h.record(ctx, ActionJobDLQ, SeverityCritical, OutcomeFailure, j, jobErr,
		"job_type", string(j.Type),
		"attempt_count", j.AttemptCount,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
// Recorder failures are logged, never propagated: a broken trail must not
// stall the pipeline.
func (h *Hook) record(
	ctx context.Context,
	action, severity, outcome string,
	j *job.Job,
	err error,
	kvPairs ...any,
) error {
	if h.enabled != nil && !h.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ResourceID: j.ID.String(),
		TenantID:   j.TenantID.String(),
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := h.recorder.Record(ctx, evt); recErr != nil {
		h.logger.Warn("audit: failed to record event",
			"action", action,
			"resource_id", evt.ResourceID,
			"error", recErr,
		)
	}
	return nil
}
