// Package audit is a lifecycle hook that bridges pipeline events to an
// immutable audit trail backend.
//
// Every job lifecycle event emits a structured audit event through the
// [Recorder] interface. The hook assigns appropriate severity levels (info
// for normal operations, warning for retries, critical for terminal
// failures) and rich metadata (job type, tenant, resource ref, elapsed
// time, errors). Tenant and resource identifiers ride on every event so
// the trail can answer "who converted this model, and when".
//
// # Usage
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionJobDLQ,
//	    ),
//	)
package audit
