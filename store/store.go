// Package store defines the aggregate persistence interface. Each
// subsystem (job, dlq) defines its own store interface; the composite
// Store composes them all. Backends: Postgres, SQLite, and Memory.
package store

import (
	"context"

	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store so the duplicate-active check and the
// compare-and-set transition can live inside one transactional boundary.
type Store interface {
	job.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
