// Package worker provides the job execution engine — an Executor that
// claims jobs through the store's compare-and-set transition and runs
// registered handlers through middleware, and a Pool that manages
// concurrent goroutines polling the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/backoff"
	"github.com/eternahome/conduit/broker"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/hook"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
	"github.com/eternahome/conduit/middleware"
)

// requeueDelay is the short delay used when a ticket must yield to a
// concurrent transition and try again later.
const requeueDelay = time.Second

// Executor runs a single delivered ticket: claim the job, invoke the
// handler through middleware, run the type's validator if it has one,
// then settle the outcome — completion, retry via broker redelivery, or
// terminal failure with a DLQ push.
type Executor struct {
	registry   *job.Registry
	hooks      *hook.Registry
	store      job.Store
	broker     broker.Broker
	dlqService *dlq.Service
	backoff    backoff.Strategy
	workerID   id.WorkerID
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	b broker.Broker,
	dlqService *dlq.Service,
	bo backoff.Strategy,
	workerID id.WorkerID,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		hooks:      hooks,
		store:      store,
		broker:     b,
		dlqService: dlqService,
		backoff:    bo,
		workerID:   workerID,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute processes one delivered ticket for the given job snapshot.
// Every path ends with exactly one broker settlement: ack when the ticket
// is finished (terminal job, dropped duplicate, or cancelled race), nack
// with requeue when the job deserves another delivery.
func (e *Executor) Execute(ctx context.Context, t *broker.Ticket, j *job.Job) error {
	claimed, err := e.claim(ctx, t, j)
	if err != nil || claimed == nil {
		return err
	}

	e.hooks.EmitJobClaimed(ctx, claimed)

	reg, ok := e.registry.Resolve(claimed.Type)
	if !ok {
		// Submission guards against unknown types, so reaching here means
		// the registry changed between deploys. Not retryable.
		return e.settleFailure(ctx, t, claimed,
			conduit.Permanent(fmt.Errorf("%w: %s", conduit.ErrUnknownJobType, claimed.Type)))
	}

	start := time.Now()
	run := job.NewRun(claimed, e.store)
	run.NotifyProgress(func(ctx context.Context, j *job.Job, pct int, message string) {
		e.hooks.EmitJobProgress(ctx, j, pct, message)
	})

	var resultRef string
	terminal := func(ctx context.Context) error {
		var handlerErr error
		resultRef, handlerErr = reg.Handler(ctx, run, claimed.Payload)
		return handlerErr
	}

	if err := e.mw(ctx, claimed, terminal); err != nil {
		return e.settleFailure(ctx, t, run.Job, err)
	}

	if reg.Validator != nil {
		validated, vErr := e.validate(ctx, t, run, reg.Validator, resultRef)
		if vErr != nil || validated == nil {
			return vErr
		}
	}

	return e.settleSuccess(ctx, t, run.Job, resultRef, time.Since(start))
}

// claim establishes this worker's exclusive hold on the job. A first
// delivery claims pending → processing; a redelivery takes over a claim
// abandoned by a crashed or stalled worker via the self-loop transition.
// Returns (nil, nil) when the ticket was settled without executing.
func (e *Executor) claim(ctx context.Context, t *broker.Ticket, j *job.Job) (*job.Job, error) {
	if j.Status.Terminal() {
		// Cancelled before execution, or a duplicate delivery of finished
		// work. Terminal states are immutable; drop the ticket.
		return nil, e.broker.Ack(ctx, t)
	}

	attempt := j.AttemptCount + 1
	from := j.Status
	to := job.StatusProcessing

	if from != job.StatusPending {
		// Takeover rides the working-state self-loop, so a job abandoned
		// in validating stays in validating.
		to = from
		if t.Delivery <= 1 {
			// First delivery racing an in-flight claim should not happen
			// with a well-behaved broker; let redelivery sort it out.
			return nil, e.broker.Nack(ctx, t, true, requeueDelay)
		}
		if attempt > j.MaxAttempts {
			return nil, e.failTerminally(ctx, t, j, from,
				fmt.Errorf("conduit: retry budget exhausted after %d attempts", j.AttemptCount))
		}
		e.logger.Info("taking over abandoned claim",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", e.workerID.String()),
			slog.Int("attempt", attempt),
		)
	}

	claimed, err := e.store.TransitionJob(ctx, j.ID, from, to, job.Update{
		AttemptCount: &attempt,
		ClaimedBy:    &e.workerID,
	})
	if err == nil {
		return claimed, nil
	}
	if errors.Is(err, conduit.ErrStaleTransition) || errors.Is(err, conduit.ErrInvalidTransition) {
		return nil, e.yield(ctx, t, j.ID)
	}
	if errors.Is(err, conduit.ErrJobNotFound) {
		return nil, e.broker.Ack(ctx, t)
	}
	return nil, err
}

// validate moves the job into the validating stage and runs the type's
// validator against the handler output. Returns (nil, nil) when the
// ticket was settled without completing.
func (e *Executor) validate(ctx context.Context, t *broker.Ticket, run *job.Run, v job.ValidatorFunc, resultRef string) (*job.Job, error) {
	validating := run.Job
	if validating.Status == job.StatusProcessing {
		moved, err := e.store.TransitionJob(ctx, run.Job.ID, job.StatusProcessing, job.StatusValidating, job.Update{})
		if err != nil {
			if errors.Is(err, conduit.ErrStaleTransition) {
				// Cancelled while the handler was finishing. The work is
				// discarded; cancellation wins.
				return nil, e.yield(ctx, t, run.Job.ID)
			}
			return nil, err
		}
		validating = moved
		run.Job = moved
	}

	if vErr := v(ctx, run, resultRef); vErr != nil {
		return nil, e.settleFailure(ctx, t, run.Job, vErr)
	}
	return validating, nil
}

// settleSuccess records completion and acks the ticket. A stale
// transition here means the job was cancelled mid-flight; the result is
// dropped and the cancellation stands.
func (e *Executor) settleSuccess(ctx context.Context, t *broker.Ticket, j *job.Job, resultRef string, elapsed time.Duration) error {
	full := 100
	msg := "completed"
	done, err := e.store.TransitionJob(ctx, j.ID, j.Status, job.StatusCompleted, job.Update{
		Progress:  &full,
		Message:   &msg,
		ResultRef: &resultRef,
	})
	if err != nil {
		if errors.Is(err, conduit.ErrStaleTransition) {
			e.logger.Info("dropping result of cancelled job",
				slog.String("job_id", j.ID.String()))
			return e.yield(ctx, t, j.ID)
		}
		return err
	}

	e.hooks.EmitJobCompleted(ctx, done, elapsed)

	e.logger.Info("job completed",
		slog.String("job_id", done.ID.String()),
		slog.String("job_type", string(done.Type)),
		slog.Int("attempt", done.AttemptCount),
		slog.Duration("elapsed", elapsed),
	)

	return e.broker.Ack(ctx, t)
}

// settleFailure decides between retry and terminal failure. Transient
// errors inside the retry budget ride the broker: the ticket is nacked
// with a backoff delay and the next delivery takes over the claim.
func (e *Executor) settleFailure(ctx context.Context, t *broker.Ticket, j *job.Job, handlerErr error) error {
	if errors.Is(handlerErr, conduit.ErrStaleTransition) {
		// The job moved underneath the handler — cancelled or taken over.
		// Nothing to record here.
		return e.yield(ctx, t, j.ID)
	}

	if !conduit.IsPermanent(handlerErr) && j.AttemptCount < j.MaxAttempts {
		delay := e.backoff.Delay(j.AttemptCount)
		e.hooks.EmitJobRetrying(ctx, j, j.AttemptCount, delay)

		e.logger.Info("job will be retried",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempt", j.AttemptCount),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", handlerErr.Error()),
		)

		return e.broker.Nack(ctx, t, true, delay)
	}

	return e.failTerminally(ctx, t, j, j.Status, handlerErr)
}

// failTerminally records a terminal failure, pushes the job to the DLQ,
// and acks the ticket.
func (e *Executor) failTerminally(ctx context.Context, t *broker.Ticket, j *job.Job, from job.Status, handlerErr error) error {
	failure := job.NewFailure("handler_error", handlerErr, conduit.IsPermanent(handlerErr))
	failed, err := e.store.TransitionJob(ctx, j.ID, from, job.StatusFailed, job.Update{
		Failure: failure,
	})
	if err != nil {
		if errors.Is(err, conduit.ErrStaleTransition) {
			return e.yield(ctx, t, j.ID)
		}
		return err
	}

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, failed, handlerErr); dlqErr != nil {
			e.logger.Error("failed to push job to DLQ",
				slog.String("job_id", failed.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		} else {
			e.hooks.EmitJobDLQ(ctx, failed, handlerErr)
		}
	}

	e.hooks.EmitJobFailed(ctx, failed, handlerErr)

	e.logger.Warn("job failed terminally",
		slog.String("job_id", failed.ID.String()),
		slog.String("job_type", string(failed.Type)),
		slog.Int("attempt", failed.AttemptCount),
		slog.Bool("permanent", failure.Permanent),
		slog.String("error", handlerErr.Error()),
	)

	return e.broker.Ack(ctx, t)
}

// yield settles a ticket whose job moved under a concurrent transition.
// Terminal jobs drop the ticket; anything else goes back to the broker
// for a later delivery.
func (e *Executor) yield(ctx context.Context, t *broker.Ticket, jobID id.JobID) error {
	current, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, conduit.ErrJobNotFound) {
			return e.broker.Ack(ctx, t)
		}
		return err
	}
	if current.Status.Terminal() {
		// Cancellation is announced where it is requested; here the
		// ticket is simply finished.
		return e.broker.Ack(ctx, t)
	}
	return e.broker.Nack(ctx, t, true, requeueDelay)
}
