package conduit

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("conduit: no store configured")
	ErrNoBroker    = errors.New("conduit: no broker configured")
	ErrStoreClosed = errors.New("conduit: store closed")

	// ErrBrokerClosed is returned by broker operations after Close.
	ErrBrokerClosed = errors.New("conduit: broker closed")

	// ErrJobNotFound means no job with the given ID is visible to the
	// caller. A tenant mismatch is surfaced identically so that job
	// existence never leaks across tenants.
	ErrJobNotFound = errors.New("conduit: job not found")

	// ErrDLQNotFound means no dead-letter entry with the given ID is
	// visible to the caller.
	ErrDLQNotFound = errors.New("conduit: dlq entry not found")

	// ErrDuplicateActiveJob means an active job already exists for the
	// same (tenant, resource, job type). Callers should poll the existing
	// job instead of resubmitting.
	ErrDuplicateActiveJob = errors.New("conduit: active job already exists for resource")

	// ErrInvalidTransition means the requested state change is not in the
	// transition table. Always a contract error, never retried.
	ErrInvalidTransition = errors.New("conduit: invalid state transition")

	// ErrStaleTransition means an optimistic concurrency conflict: the job
	// was no longer in the expected state when the write ran. Expected
	// under concurrent claims and cancellation; callers drop their own
	// action rather than surfacing it.
	ErrStaleTransition = errors.New("conduit: job state changed concurrently")

	// ErrTenantDenied is the guard's internal deny verdict. The engine
	// translates it to ErrJobNotFound before it reaches any caller.
	ErrTenantDenied = errors.New("conduit: tenant denied")

	// ErrNoTenant means the context carries no tenant identity. Every
	// job-facing engine operation requires one.
	ErrNoTenant = errors.New("conduit: no tenant in context")

	// ErrUnknownJobType means no processing function is registered for the
	// submitted job type.
	ErrUnknownJobType = errors.New("conduit: no handler registered for job type")

	// ErrJobNotTerminal is returned by operations that only apply to
	// finished jobs (result retrieval, forget).
	ErrJobNotTerminal = errors.New("conduit: job is not in a terminal state")
)

// PermanentError marks a processing failure as non-retryable: invalid input,
// validation rejection, any business error where another attempt cannot
// succeed. The executor fails the job immediately instead of nacking.
type PermanentError struct {
	Err error
}

// Permanent wraps err as a PermanentError. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
