package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/id"
)

// Type is the enumerated kind of a job. It determines which processing
// function runs and doubles as the broker routing key.
type Type string

// Job types shipped with the platform. The registry accepts arbitrary
// types, so deployments may add their own.
const (
	// TypeVoiceCommand transcribes an audio log and dispatches the
	// recognised intent to the home automation layer.
	TypeVoiceCommand Type = "voice_command"
	// TypeBIMConvertIFCToGLTF converts a BIM model from IFC to glTF for
	// in-browser viewing.
	TypeBIMConvertIFCToGLTF Type = "bim_convert_ifc_to_gltf"
	// TypeBIMConvertRVTToIFC converts a proprietary Revit model to IFC.
	TypeBIMConvertRVTToIFC Type = "bim_convert_rvt_to_ifc"
)

// Job represents one unit of asynchronous work tracked through the state
// machine. Rows are owned exclusively by the store; workers hold only a
// transient claim established through the compare-and-set transition.
type Job struct {
	conduit.Entity

	ID id.JobID `json:"id"`

	// TenantID is the owning tenant. Immutable after creation; every
	// access must check it.
	TenantID uuid.UUID `json:"tenant_id"`

	Type Type `json:"job_type"`

	// ResourceRef identifies the domain object being processed (a
	// document, a BIM model, an audio log). At most one active job may
	// exist per (tenant, resource, type).
	ResourceRef string `json:"resource_ref"`

	// Payload is the type-specific request body, opaque to the pipeline.
	Payload []byte `json:"payload,omitempty"`

	Status Status `json:"status"`

	// Progress is a percentage in [0,100], non-decreasing while active.
	Progress int `json:"progress"`

	// Message is a short human-readable status description, overwritten
	// on each transition.
	Message string `json:"message,omitempty"`

	// ResultRef points at the output artifact in object storage. Set only
	// on completed; resolved by the storage collaborator, never streamed
	// by the pipeline.
	ResultRef string `json:"result_ref,omitempty"`

	// Failure holds structured failure detail. Set only on failed.
	Failure *Failure `json:"error,omitempty"`

	// AttemptCount is the number of execution attempts so far.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts bounds AttemptCount before the job fails terminally.
	MaxAttempts int `json:"max_attempts"`

	// Timeout is the per-type maximum processing duration, copied from
	// the definition at submission time.
	Timeout time.Duration `json:"timeout,omitempty"`

	// ClaimedBy is the worker currently holding the execution claim.
	ClaimedBy id.WorkerID `json:"claimed_by,omitempty"`
}

// Failure is the structured, user-visible failure detail of a terminal
// failed job. Transient retry errors are internal; only the last error
// survives here.
type Failure struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent"`
	At        time.Time `json:"at"`
}

// NewFailure builds a Failure from an error, stamped now.
func NewFailure(code string, err error, permanent bool) *Failure {
	return &Failure{
		Code:      code,
		Message:   err.Error(),
		Permanent: permanent,
		At:        time.Now().UTC(),
	}
}
