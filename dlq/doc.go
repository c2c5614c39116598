// Package dlq provides the dead letter queue for jobs that have exhausted
// their retry budget or failed permanently. It supports inspection,
// replay, and purging.
//
// When a job reaches terminal failure the executor calls [Service.Push]
// to record it. The original payload, tenant, resource reference, error
// message, and attempt counts are preserved for debugging.
//
// # Replay
//
// [Service.Replay] submits a DLQ entry as a brand-new pending job with a
// fresh ID. Replay goes through the normal submission path, so the
// one-active-job-per-resource rule still applies: replaying an entry
// whose resource already has an in-flight job fails with
// conduit.ErrDuplicateActiveJob. Replay sets ReplayedAt on the entry but
// never deletes it.
package dlq
