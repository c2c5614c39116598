package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// TenantID filters by tenant. Nil means all tenants.
	TenantID *uuid.UUID
	// Type filters by job type. Empty means all types.
	Type job.Type
}

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDLQ adds a failed job entry to the dead letter queue.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns DLQ entries matching the given options, newest
	// failure first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves a DLQ entry by ID. Fails with
	// conduit.ErrDLQNotFound if absent.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ marks a DLQ entry as replayed. The actual re-submission
	// is handled at the service layer.
	ReplayDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ removes DLQ entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the number of entries for a tenant. A nil tenant
	// counts everything.
	CountDLQ(ctx context.Context, tenantID *uuid.UUID) (int64, error)
}
