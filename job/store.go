package job

import (
	"context"

	"github.com/google/uuid"

	"github.com/eternahome/conduit/id"
)

// Update carries the field changes applied together with a status
// transition. Nil fields are left untouched. Progress never decreases: the
// store clamps it to the current value.
type Update struct {
	Progress     *int
	Message      *string
	ResultRef    *string
	Failure      *Failure
	AttemptCount *int
	ClaimedBy    *id.WorkerID
}

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// TenantID filters by tenant. Nil means all tenants.
	TenantID *uuid.UUID
	// Type filters by job type. Empty means all types.
	Type Type
	// Status filters by status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs. It is the only
// component that may touch job rows; all mutation after creation goes
// through TransitionJob's compare-and-set.
type Store interface {
	// CreateJob persists a new job in pending state. The duplicate-active
	// check and the insert are a single atomic operation: it fails with
	// conduit.ErrDuplicateActiveJob when an active job already exists for
	// the same (tenant, resource, type).
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Fails with conduit.ErrJobNotFound if
	// absent. Tenant checks are the caller's job (via tenant.Authorize);
	// the store itself is tenant-blind by design so the guard stays the
	// single isolation point.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// TransitionJob atomically moves a job from the expected status to the
	// new one, applying up in the same write. It fails with
	// conduit.ErrInvalidTransition when from → to is not legal and with
	// conduit.ErrStaleTransition when the row is no longer in from. The
	// updated job is returned on success.
	TransitionJob(ctx context.Context, jobID id.JobID, from, to Status, up Update) (*Job, error)

	// ListActiveJobs returns the in-flight jobs for a (tenant, resource,
	// type) triple. Used by the duplicate-prevention check and by status
	// surfaces.
	ListActiveJobs(ctx context.Context, tenantID uuid.UUID, resourceRef string, jobType Type) ([]*Job, error)

	// ListJobsByStatus returns a tenant's jobs in the given status,
	// ordered by creation time.
	ListJobsByStatus(ctx context.Context, tenantID uuid.UUID, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteJob removes a job row. Only terminal jobs may be deleted;
	// conduit.ErrJobNotTerminal otherwise.
	DeleteJob(ctx context.Context, jobID id.JobID) error
}
