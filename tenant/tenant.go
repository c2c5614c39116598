// Package tenant implements the isolation guard and the context plumbing
// that carries the caller's tenant identity through the pipeline.
//
// The guard is a pure predicate over (caller tenant, job tenant). It owns
// no data. Every read path and the submission path consult it; no job data
// is ever returned, nor its existence confirmed, to a caller whose tenant
// does not match.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/job"
)

type ctxKey struct{}

// WithTenant attaches the caller's tenant identity to the context.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext extracts the caller's tenant identity from the context.
// Returns false if no tenant is present.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	tid, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return tid, ok
}

// Authorize checks that the job belongs to the caller's tenant. On
// mismatch it returns conduit.ErrTenantDenied; the engine translates that
// to conduit.ErrJobNotFound so a mismatch is indistinguishable from
// absence at the API boundary.
func Authorize(callerTenant uuid.UUID, j *job.Job) error {
	if callerTenant == uuid.Nil || j == nil || j.TenantID != callerTenant {
		return conduit.ErrTenantDenied
	}
	return nil
}
