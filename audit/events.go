package audit

// Audit event actions. Each constant corresponds to one lifecycle hook and
// becomes the Action field of the audit event.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobClaimed   = "job.claimed"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobCancelled = "job.cancelled"
	ActionJobDLQ       = "job.dlq"
)

// CategoryJob groups every job lifecycle action.
const CategoryJob = "conduit.job"

// ResourceJob is the Resource field of job audit events.
const ResourceJob = "job"

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobClaimed,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionJobDLQ,
	}
}
