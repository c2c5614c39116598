package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID          string `bson:"_id"`
	TenantID    string `bson:"tenant_id"`
	Type        string `bson:"job_type"`
	ResourceRef string `bson:"resource_ref"`
	Payload     []byte `bson:"payload,omitempty"`

	Status    string `bson:"status"`
	Progress  int    `bson:"progress"`
	Message   string `bson:"message"`
	ResultRef string `bson:"result_ref"`

	Failure *failureModel `bson:"failure,omitempty"`

	AttemptCount int    `bson:"attempt_count"`
	MaxAttempts  int    `bson:"max_attempts"`
	Timeout      int64  `bson:"timeout"`
	ClaimedBy    string `bson:"claimed_by"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type failureModel struct {
	Code      string    `bson:"code"`
	Message   string    `bson:"message"`
	Permanent bool      `bson:"permanent"`
	At        time.Time `bson:"at"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:           j.ID.String(),
		TenantID:     j.TenantID.String(),
		Type:         string(j.Type),
		ResourceRef:  j.ResourceRef,
		Payload:      j.Payload,
		Status:       string(j.Status),
		Progress:     j.Progress,
		Message:      j.Message,
		ResultRef:    j.ResultRef,
		AttemptCount: j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		Timeout:      j.Timeout.Nanoseconds(),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if !j.ClaimedBy.IsNil() {
		m.ClaimedBy = j.ClaimedBy.String()
	}
	if j.Failure != nil {
		m.Failure = &failureModel{
			Code:      j.Failure.Code,
			Message:   j.Failure.Message,
			Permanent: j.Failure.Permanent,
			At:        j.Failure.At,
		}
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse job id %q: %w", m.ID, err)
	}
	tenantID, err := uuid.Parse(m.TenantID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse tenant id %q: %w", m.TenantID, err)
	}

	j := &job.Job{
		Entity: conduit.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		TenantID:     tenantID,
		Type:         job.Type(m.Type),
		ResourceRef:  m.ResourceRef,
		Payload:      m.Payload,
		Status:       job.Status(m.Status),
		Progress:     m.Progress,
		Message:      m.Message,
		ResultRef:    m.ResultRef,
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		Timeout:      time.Duration(m.Timeout),
	}

	if m.ClaimedBy != "" {
		if parsedWorker, wErr := id.ParseWorkerID(m.ClaimedBy); wErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}
	if m.Failure != nil {
		j.Failure = &job.Failure{
			Code:      m.Failure.Code,
			Message:   m.Failure.Message,
			Permanent: m.Failure.Permanent,
			At:        m.Failure.At,
		}
	}
	return j, nil
}

// ── DLQ entry model ───────────────────────────────────────────────

type dlqEntryModel struct {
	ID          string `bson:"_id"`
	JobID       string `bson:"job_id"`
	Type        string `bson:"job_type"`
	TenantID    string `bson:"tenant_id"`
	ResourceRef string `bson:"resource_ref"`
	Payload     []byte `bson:"payload,omitempty"`

	Error     string `bson:"error"`
	Permanent bool   `bson:"permanent"`

	AttemptCount int `bson:"attempt_count"`
	MaxAttempts  int `bson:"max_attempts"`

	FailedAt   time.Time  `bson:"failed_at"`
	ReplayedAt *time.Time `bson:"replayed_at,omitempty"`
	CreatedAt  time.Time  `bson:"created_at"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:           e.ID.String(),
		JobID:        e.JobID.String(),
		Type:         string(e.Type),
		TenantID:     e.TenantID.String(),
		ResourceRef:  e.ResourceRef,
		Payload:      e.Payload,
		Error:        e.Error,
		Permanent:    e.Permanent,
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		FailedAt:     e.FailedAt,
		ReplayedAt:   e.ReplayedAt,
		CreatedAt:    e.CreatedAt,
	}
}

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	entryID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse dlq id %q: %w", m.ID, err)
	}
	jobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse dlq job id %q: %w", m.JobID, err)
	}
	tenantID, err := uuid.Parse(m.TenantID)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: parse dlq tenant id %q: %w", m.TenantID, err)
	}

	return &dlq.Entry{
		ID:           entryID,
		JobID:        jobID,
		Type:         job.Type(m.Type),
		TenantID:     tenantID,
		ResourceRef:  m.ResourceRef,
		Payload:      m.Payload,
		Error:        m.Error,
		Permanent:    m.Permanent,
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		FailedAt:     m.FailedAt,
		ReplayedAt:   m.ReplayedAt,
		CreatedAt:    m.CreatedAt,
	}, nil
}
