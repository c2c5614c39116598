package dlq

import (
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// Entry represents a job that has exhausted its retry budget (or failed
// permanently) and been moved to the dead letter queue for inspection or
// replay.
type Entry struct {
	ID           id.DLQID   `json:"id"`
	JobID        id.JobID   `json:"job_id"`
	Type         job.Type   `json:"job_type"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	ResourceRef  string     `json:"resource_ref"`
	Payload      []byte     `json:"payload"`
	Error        string     `json:"error"`
	Permanent    bool       `json:"permanent"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	FailedAt     time.Time  `json:"failed_at"`
	ReplayedAt   *time.Time `json:"replayed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
