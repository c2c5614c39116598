package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

// ThrottleManager controls per-type and per-tenant rate limiting and
// concurrency. The pool calls Acquire after resolving a dequeued ticket's
// tenant and Release once execution finishes; a throttled ticket is
// nacked back to the broker with a short delay.
type ThrottleManager interface {
	// Acquire checks rate limits and concurrency for the type/tenant
	// combination. Returns true if the job is allowed to proceed.
	Acquire(jobType job.Type, tenantID string) bool
	// Release decrements the active count for the type/tenant pair.
	Release(jobType job.Type, tenantID string)
}

// Pool manages a set of concurrent worker goroutines that poll the
// broker for tickets and execute them through the Executor.
type Pool struct {
	store        job.Store
	broker       broker.Broker
	executor     *Executor
	concurrency  int
	types        []job.Type
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Throttle manager (optional).
	throttle ThrottleManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolTypes sets the job types the pool will poll for. Empty means
// every type.
func WithPoolTypes(types []job.Type) PoolOption {
	return func(p *Pool) { p.types = types }
}

// WithPollInterval sets how often workers poll when the broker is empty.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithThrottle sets the throttle manager for rate limiting and
// concurrency control.
func WithThrottle(m ThrottleManager) PoolOption {
	return func(p *Pool) { p.throttle = m }
}

// NewPool creates a worker pool. The workerID must match the executor's
// so claims carry the right owner.
func NewPool(
	store job.Store,
	b broker.Broker,
	executor *Executor,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		broker:       b,
		executor:     executor,
		concurrency:  4,
		pollInterval: time.Second,
		workerID:     workerID,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("job_types", p.types),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs
// out; their unacked tickets come back through the visibility timeout.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		t, err := p.broker.Dequeue(context.Background(), p.types)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if t == nil {
			p.sleep()
			continue
		}

		p.handleTicket(t)
	}
}

// handleTicket resolves the ticket's job, applies throttling, and hands
// the pair to the executor.
func (p *Pool) handleTicket(t *broker.Ticket) {
	bg := context.Background()

	j, err := p.store.GetJob(bg, t.JobID)
	if err != nil {
		if errors.Is(err, conduit.ErrJobNotFound) {
			// Job purged after submission; the ticket is all that's left.
			if ackErr := p.broker.Ack(bg, t); ackErr != nil {
				p.logger.Error("ack orphan ticket", slog.String("error", ackErr.Error()))
			}
			return
		}
		p.logger.Error("load job for ticket",
			slog.String("job_id", t.JobID.String()),
			slog.String("error", err.Error()),
		)
		if nackErr := p.broker.Nack(bg, t, true, p.pollInterval); nackErr != nil {
			p.logger.Error("nack ticket", slog.String("error", nackErr.Error()))
		}
		return
	}

	tenantID := j.TenantID.String()
	if p.throttle != nil && !p.throttle.Acquire(j.Type, tenantID) {
		// Throttled. Give the slot back without burning an attempt.
		if nackErr := p.broker.Nack(bg, t, true, p.pollInterval); nackErr != nil {
			p.logger.Error("nack throttled ticket", slog.String("error", nackErr.Error()))
		}
		return
	}

	ctx, cancel := context.WithCancel(bg)
	p.trackJob(j.ID.String(), cancel)

	if execErr := p.executor.Execute(ctx, t, j); execErr != nil {
		p.logger.Error("ticket execution error",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("error", execErr.Error()),
		)
	}

	p.untrackJob(j.ID.String())
	cancel()

	if p.throttle != nil {
		p.throttle.Release(j.Type, tenantID)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
