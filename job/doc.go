// Package job defines the central Job entity, its status state machine,
// the persistence contract, and the registry of typed processing-function
// definitions.
//
// # State machine
//
// Initial state is pending; completed, failed, and cancelled are terminal:
//
//	pending     → processing          (worker claims)
//	processing  → validating          (primary work done, optional step)
//	processing  → completed           (work done, no validation step)
//	validating  → completed           (validation passed)
//	validating  → failed              (validation rejected)
//	processing  → failed              (execution error, retries exhausted)
//	pending | processing | validating → cancelled
//
// Self-loops on processing and validating carry progress checkpoints and
// claim takeovers. Every write, including those, is an atomic
// compare-and-set against the expected current status; losing the race
// yields conduit.ErrStaleTransition, which callers handle by dropping
// their own action.
//
// # Registry
//
// Definitions bind a job type to a typed handler plus per-type options
// (attempt budget, execution timeout, optional output validator). The
// worker pool resolves handlers through the registry per dequeue.
package job
