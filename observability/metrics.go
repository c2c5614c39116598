// Package observability provides a metrics hook that records pipeline
// lifecycle counters through OpenTelemetry. Register it with the engine to
// track submission rates, completions, failures, retries, cancellations,
// and dead-letter entries without touching the worker path.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eternahome/conduit/hook"
	"github.com/eternahome/conduit/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/eternahome/conduit/observability"

// Compile-time interface checks.
var (
	_ hook.Hook         = (*MetricsHook)(nil)
	_ hook.JobSubmitted = (*MetricsHook)(nil)
	_ hook.JobCompleted = (*MetricsHook)(nil)
	_ hook.JobFailed    = (*MetricsHook)(nil)
	_ hook.JobRetrying  = (*MetricsHook)(nil)
	_ hook.JobCancelled = (*MetricsHook)(nil)
	_ hook.JobDLQ       = (*MetricsHook)(nil)
)

// MetricsHook records lifecycle counters, partitioned by job type.
type MetricsHook struct {
	submitted  metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	cancelled  metric.Int64Counter
	deadletter metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetricsHook creates a MetricsHook on the global MeterProvider.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided meter.
// Instrument creation errors are ignored: the OTel API contract guarantees
// noop fallbacks, so the hook degrades gracefully.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	h := &MetricsHook{}
	h.submitted, _ = meter.Int64Counter("conduit.jobs.submitted",
		metric.WithDescription("Jobs accepted by the pipeline"))
	h.completed, _ = meter.Int64Counter("conduit.jobs.completed",
		metric.WithDescription("Jobs that reached completed"))
	h.failed, _ = meter.Int64Counter("conduit.jobs.failed",
		metric.WithDescription("Jobs that reached failed"))
	h.retried, _ = meter.Int64Counter("conduit.jobs.retried",
		metric.WithDescription("Transient failures nacked for redelivery"))
	h.cancelled, _ = meter.Int64Counter("conduit.jobs.cancelled",
		metric.WithDescription("Jobs that reached cancelled"))
	h.deadletter, _ = meter.Int64Counter("conduit.jobs.deadlettered",
		metric.WithDescription("Jobs recorded in the dead letter queue"))
	h.duration, _ = meter.Float64Histogram("conduit.jobs.completion_time",
		metric.WithDescription("Wall time from claim to completed in seconds"),
		metric.WithUnit("s"))
	return h
}

// Name implements hook.Hook.
func (h *MetricsHook) Name() string { return "observability-metrics" }

func typeAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_type", string(j.Type)))
}

// OnJobSubmitted implements hook.JobSubmitted.
func (h *MetricsHook) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	h.submitted.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (h *MetricsHook) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	h.completed.Add(ctx, 1, typeAttr(j))
	h.duration.Record(ctx, elapsed.Seconds(), typeAttr(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (h *MetricsHook) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	h.failed.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (h *MetricsHook) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Duration) error {
	h.retried.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (h *MetricsHook) OnJobCancelled(ctx context.Context, j *job.Job) error {
	h.cancelled.Add(ctx, 1, typeAttr(j))
	return nil
}

// OnJobDLQ implements hook.JobDLQ.
func (h *MetricsHook) OnJobDLQ(ctx context.Context, j *job.Job, _ error) error {
	h.deadletter.Add(ctx, 1, typeAttr(j))
	return nil
}
