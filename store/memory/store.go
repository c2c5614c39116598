package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Job
	dlqs map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		dlqs: make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in pending state. The duplicate-active
// check and the insert happen under one lock, so two concurrent
// submissions for the same (tenant, resource, type) cannot both succeed.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return fmt.Errorf("conduit: job %s already exists", key)
	}

	for _, existing := range m.jobs {
		if existing.TenantID == j.TenantID &&
			existing.ResourceRef == j.ResourceRef &&
			existing.Type == j.Type &&
			existing.Status.Active() {
			return fmt.Errorf("%w: job %s is %s for resource %q",
				conduit.ErrDuplicateActiveJob, existing.ID, existing.Status, j.ResourceRef)
		}
	}

	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// TransitionJob atomically moves a job from the expected status to the
// new one, applying up in the same write.
func (m *Store) TransitionJob(_ context.Context, jobID id.JobID, from, to job.Status, up job.Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}

	if err := job.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	// The compare half of the compare-and-set.
	if j.Status != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s",
			conduit.ErrStaleTransition, jobID, j.Status, from)
	}

	j.Status = to
	applyUpdate(j, up)
	j.UpdatedAt = time.Now().UTC()

	cp := *j
	return &cp, nil
}

// applyUpdate writes the non-nil Update fields onto j. Progress never
// decreases while a job stays active.
func applyUpdate(j *job.Job, up job.Update) {
	if up.Progress != nil && *up.Progress > j.Progress {
		j.Progress = *up.Progress
	}
	if up.Message != nil {
		j.Message = *up.Message
	}
	if up.ResultRef != nil {
		j.ResultRef = *up.ResultRef
	}
	if up.Failure != nil {
		j.Failure = up.Failure
	}
	if up.AttemptCount != nil {
		j.AttemptCount = *up.AttemptCount
	}
	if up.ClaimedBy != nil {
		j.ClaimedBy = *up.ClaimedBy
	}
}

// ListActiveJobs returns the in-flight jobs for a (tenant, resource,
// type) triple.
func (m *Store) ListActiveJobs(_ context.Context, tenantID uuid.UUID, resourceRef string, jobType job.Type) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*job.Job
	for _, j := range m.jobs {
		if j.TenantID != tenantID || j.ResourceRef != resourceRef || j.Type != jobType {
			continue
		}
		if !j.Status.Active() {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// ListJobsByStatus returns a tenant's jobs in the given status, ordered
// by creation time.
func (m *Store) ListJobsByStatus(_ context.Context, tenantID uuid.UUID, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.TenantID != tenantID || j.Status != status {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.TenantID != nil && j.TenantID != *opts.TenantID {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteJob removes a job row. Only terminal jobs may be deleted.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return conduit.ErrJobNotFound
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", conduit.ErrJobNotTerminal, jobID, j.Status)
	}
	delete(m.jobs, key)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a failed job entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest failure
// first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.TenantID != nil && e.TenantID != *opts.TenantID {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, conduit.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return conduit.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the number of entries for a tenant. A nil tenant
// counts everything.
func (m *Store) CountDLQ(_ context.Context, tenantID *uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tenantID == nil {
		return int64(len(m.dlqs)), nil
	}
	var count int64
	for _, e := range m.dlqs {
		if e.TenantID == *tenantID {
			count++
		}
	}
	return count, nil
}
