package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/backoff"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/hook"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	mw "github.com/eternahome/conduit/middleware"
	"github.com/eternahome/conduit/observability"
	"github.com/eternahome/conduit/store"
	"github.com/eternahome/conduit/tenant"
	"github.com/eternahome/conduit/throttle"
	"github.com/eternahome/conduit/worker"
)

// Engine is the assembled pipeline: store, broker, registry, hooks,
// throttling, and the worker pool, wired behind one submission and query
// surface. Construct it with New, register job types, then Start.
type Engine struct {
	cfg      conduit.Config
	store    store.Store
	broker   broker.Broker
	registry *job.Registry
	hooks    *hook.Registry

	dlqService *dlq.Service
	bo         backoff.Strategy
	throttle   *throttle.Manager
	pool       *worker.Pool
	workerID   id.WorkerID
	logger     *slog.Logger

	mws             []mw.Middleware
	pendingHooks    []hook.Hook
	throttleConfigs []throttle.Config
	tracerProvider  trace.TracerProvider
	meterProvider   metric.MeterProvider
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithConfig sets the pipeline-wide configuration. Zero-valued fields keep
// their defaults from conduit.DefaultConfig.
func WithConfig(cfg conduit.Config) Option {
	return func(eng *Engine) {
		eng.cfg = cfg
	}
}

// WithLogger sets the structured logger used by every subsystem.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = logger
	}
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) {
		eng.pendingHooks = append(eng.pendingHooks, h)
	}
}

// WithMiddleware appends a middleware to the execution chain, after the
// built-in recover → tracing → metrics → logging → timeout stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy.
func WithBackoff(bo backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = bo
	}
}

// WithThrottle configures per-type and per-tenant rate limits and
// concurrency caps, consulted by the pool before claiming a ticket.
func WithThrottle(configs ...throttle.Config) Option {
	return func(eng *Engine) {
		eng.throttleConfigs = append(eng.throttleConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// metrics middleware and the built-in metrics hook use this provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// New assembles an Engine from a store and a broker.
func New(s store.Store, b broker.Broker, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, conduit.ErrNoStore
	}
	if b == nil {
		return nil, conduit.ErrNoBroker
	}

	eng := &Engine{
		cfg:      conduit.DefaultConfig(),
		store:    s,
		broker:   b,
		registry: job.NewRegistry(),
		workerID: id.NewWorkerID(),
	}

	for _, opt := range opts {
		opt(eng)
	}

	eng.cfg = normalize(eng.cfg)

	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.hooks = hook.NewRegistry(eng.logger)
	for _, h := range eng.pendingHooks {
		eng.hooks.Register(h)
	}

	// Built-in metrics hook for job lifecycle counters.
	var metricsHook *observability.MetricsHook
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/eternahome/conduit/observability")
		metricsHook = observability.NewMetricsHookWithMeter(meter)
	} else {
		metricsHook = observability.NewMetricsHook()
	}
	eng.hooks.Register(metricsHook)

	eng.dlqService = dlq.NewService(s, s, b)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/eternahome/conduit")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/eternahome/conduit")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(
		eng.registry,
		eng.hooks,
		eng.store,
		eng.broker,
		eng.dlqService,
		eng.bo,
		eng.workerID,
		eng.logger,
		allMws...,
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(eng.cfg.Concurrency),
		worker.WithPollInterval(eng.cfg.PollInterval),
	}
	if len(eng.cfg.JobTypes) > 0 {
		types := make([]job.Type, len(eng.cfg.JobTypes))
		for i, t := range eng.cfg.JobTypes {
			types[i] = job.Type(t)
		}
		poolOpts = append(poolOpts, worker.WithPoolTypes(types))
	}
	if len(eng.throttleConfigs) > 0 {
		eng.throttle = throttle.NewManager(eng.throttleConfigs...)
		poolOpts = append(poolOpts, worker.WithThrottle(eng.throttle))
	}

	eng.pool = worker.NewPool(eng.store, eng.broker, executor, eng.workerID, eng.logger, poolOpts...)

	return eng, nil
}

func normalize(cfg conduit.Config) conduit.Config {
	def := conduit.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return cfg
}

// ──────────────────────────────────────────────────
// Registration and submission
// ──────────────────────────────────────────────────

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Submit creates and enqueues a job with a typed payload. The caller's
// tenant is read from the context; resourceRef names the domain object
// being processed, and at most one active job may exist per
// (tenant, resource, type).
func Submit[T any](ctx context.Context, eng *Engine, jobType job.Type, resourceRef string, payload T) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job type %q: %w", jobType, err)
	}
	return eng.SubmitRaw(ctx, jobType, resourceRef, data)
}

// SubmitRaw creates and enqueues a job with a pre-serialized payload.
func (eng *Engine) SubmitRaw(ctx context.Context, jobType job.Type, resourceRef string, payload []byte) (*job.Job, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, conduit.ErrNoTenant
	}

	reg, ok := eng.registry.Resolve(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", conduit.ErrUnknownJobType, jobType)
	}

	maxAttempts := reg.Opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = eng.cfg.MaxAttempts
	}

	j := &job.Job{
		Entity:      conduit.NewEntity(),
		ID:          id.NewJobID(),
		TenantID:    tenantID,
		Type:        jobType,
		ResourceRef: resourceRef,
		Payload:     payload,
		Status:      job.StatusPending,
		Message:     "queued",
		MaxAttempts: maxAttempts,
		Timeout:     reg.Opts.Timeout,
	}

	if err := eng.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if err := eng.broker.Enqueue(ctx, broker.NewTicket(j.ID, j.Type)); err != nil {
		// The row exists but no ticket does; the job is stuck pending.
		// Surface the error so the caller can retry the submission after
		// cancelling, rather than silently losing the work.
		return nil, fmt.Errorf("enqueue ticket for job %s: %w", j.ID, err)
	}

	eng.hooks.EmitJobSubmitted(ctx, j)
	return j, nil
}

// ──────────────────────────────────────────────────
// Query and control surface
// ──────────────────────────────────────────────────

// Status returns the current state of a job owned by the caller's tenant.
// A job belonging to another tenant is reported as conduit.ErrJobNotFound,
// never as a permission error.
func (eng *Engine) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.load(ctx, jobID)
}

// Result returns the result reference of a completed job. A failed or
// cancelled job yields an error describing the outcome; a still-active job
// fails with conduit.ErrJobNotTerminal.
func (eng *Engine) Result(ctx context.Context, jobID id.JobID) (string, error) {
	j, err := eng.load(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch j.Status {
	case job.StatusCompleted:
		return j.ResultRef, nil
	case job.StatusFailed:
		if j.Failure != nil {
			return "", fmt.Errorf("conduit: job %s failed: %s: %s", j.ID, j.Failure.Code, j.Failure.Message)
		}
		return "", fmt.Errorf("conduit: job %s failed", j.ID)
	case job.StatusCancelled:
		return "", fmt.Errorf("conduit: job %s was cancelled", j.ID)
	default:
		return "", fmt.Errorf("job %s is %s: %w", j.ID, j.Status, conduit.ErrJobNotTerminal)
	}
}

// Cancel requests cancellation of an active job. Cancelling an already
// cancelled job is a no-op; any other terminal state fails with
// conduit.ErrInvalidTransition. A worker holding the claim discovers the
// cancellation at its next checkpoint and drops its result.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	for {
		if j.Status == job.StatusCancelled {
			return j, nil
		}
		if j.Status.Terminal() {
			return nil, fmt.Errorf("cancel job %s in status %s: %w", jobID, j.Status, conduit.ErrInvalidTransition)
		}

		msg := "cancelled"
		updated, trErr := eng.store.TransitionJob(ctx, jobID, j.Status, job.StatusCancelled, job.Update{
			Message: &msg,
		})
		if trErr == nil {
			eng.hooks.EmitJobCancelled(ctx, updated)
			return updated, nil
		}
		if !errors.Is(trErr, conduit.ErrStaleTransition) {
			return nil, trErr
		}

		// The job moved under us (claim, progress, or completion landed
		// first). Re-read and retry from the new state.
		j, err = eng.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
	}
}

// Forget deletes a terminal job owned by the caller's tenant. Active jobs
// fail with conduit.ErrJobNotTerminal; cancel first.
func (eng *Engine) Forget(ctx context.Context, jobID id.JobID) error {
	if _, err := eng.load(ctx, jobID); err != nil {
		return err
	}
	return eng.store.DeleteJob(ctx, jobID)
}

// List returns the caller's jobs in the given status, oldest first.
func (eng *Engine) List(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, conduit.ErrNoTenant
	}
	return eng.store.ListJobsByStatus(ctx, tenantID, status, opts)
}

// Count returns the number of the caller's jobs matching the given type
// and status; either filter may be empty.
func (eng *Engine) Count(ctx context.Context, jobType job.Type, status job.Status) (int64, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return 0, conduit.ErrNoTenant
	}
	return eng.store.CountJobs(ctx, job.CountOpts{
		TenantID: &tenantID,
		Type:     jobType,
		Status:   status,
	})
}

// load retrieves a job and applies the tenant guard. Any deny verdict is
// collapsed into conduit.ErrJobNotFound so job existence never leaks
// across tenants.
func (eng *Engine) load(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, conduit.ErrNoTenant
	}
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := tenant.Authorize(tenantID, j); err != nil {
		return nil, conduit.ErrJobNotFound
	}
	return j, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins job processing by starting the worker pool. It returns
// immediately; workers poll the broker in the background.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.pool.Start(ctx)
}

// Stop gracefully shuts down the worker pool, waiting up to the configured
// ShutdownTimeout (or the context deadline, if sooner) for in-flight jobs.
// Jobs still running after that are cancelled and recovered later through
// broker redelivery.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	err := eng.pool.Stop(ctx)
	eng.hooks.EmitShutdown(ctx)
	return err
}

// Close releases the broker and store connections. Call after Stop.
func (eng *Engine) Close() error {
	var g errgroup.Group
	g.Go(eng.broker.Close)
	g.Go(eng.store.Close)
	return g.Wait()
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Registry returns the job type registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Hooks returns the lifecycle hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// DLQ returns the dead-letter service for inspection and replay.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// WorkerID returns the pool's unique worker identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.workerID }
