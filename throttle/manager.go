// Package throttle controls per-job-type and per-tenant rate limiting and
// concurrency. The worker pool calls Acquire before claiming a dequeued
// ticket and Release after execution completes; a throttled ticket is
// nacked back to the broker with a short delay, so fairness never
// interferes with the store's state machine.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/eternahome/conduit/job"
)

// Config defines limits for one job type.
type Config struct {
	// Type is the job type this config applies to.
	Type job.Type

	// MaxConcurrency limits how many jobs of this type may run
	// simultaneously across the local worker pool. Zero means no
	// type-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second for this type.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime state for a single job type.
type typeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-type and per-tenant rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	types   map[job.Type]*typeState
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given type configurations.
// Types not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types:   make(map[job.Type]*typeState, len(configs)),
		tenants: make(map[string]*tenantState),
	}
	for _, cfg := range configs {
		m.types[cfg.Type] = newTypeState(cfg)
	}
	return m
}

func newTypeState(cfg Config) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks rate limits and concurrency for the given job type and
// tenant. If the job is allowed to proceed it increments the active
// counters and returns true. The caller MUST call Release when the job
// completes.
func (m *Manager) Acquire(jobType job.Type, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check type-level constraints.
	ts := m.types[jobType]
	if ts != nil {
		if ts.limiter != nil && !ts.limiter.Allow() {
			return false
		}
		if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
			return false
		}
	}

	// Check tenant-level constraints.
	if tenantID != "" {
		tn := m.tenants[tenantKey(jobType, tenantID)]
		if tn != nil {
			if tn.limiter != nil && !tn.limiter.Allow() {
				return false
			}
			if tn.maxConcurrency > 0 && tn.active >= tn.maxConcurrency {
				return false
			}
			tn.active++
		}
	}

	if ts != nil {
		ts.active++
	}

	return true
}

// Release decrements the active counters for the job type and tenant.
func (m *Manager) Release(jobType job.Type, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.types[jobType]; ts != nil && ts.active > 0 {
		ts.active--
	}

	if tenantID != "" {
		if tn := m.tenants[tenantKey(jobType, tenantID)]; tn != nil && tn.active > 0 {
			tn.active--
		}
	}
}

// SetConfig dynamically updates (or creates) a job type configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.types[cfg.Type]
	ts := newTypeState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ts.active = existing.active
	}
	m.types[cfg.Type] = ts
}

// ActiveCount returns the current number of active jobs for a type.
func (m *Manager) ActiveCount(jobType job.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[jobType]; ts != nil {
		return ts.active
	}
	return 0
}
