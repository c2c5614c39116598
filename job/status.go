package job

import (
	"fmt"

	"github.com/eternahome/conduit"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusProcessing means a worker holds the claim and is executing.
	StatusProcessing Status = "processing"
	// StatusValidating means primary work is done and the type's optional
	// validation step is checking the output.
	StatusValidating Status = "validating"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// transitions is the legal transition table. Self-loops on the two working
// states are allowed so that progress checkpoints and claim takeovers ride
// the same compare-and-set path as real transitions.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusValidating: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusValidating: {
		StatusValidating: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
}

// Terminal reports whether s is a final state. Terminal jobs are immutable
// except for out-of-band retention deletion.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s counts against the one-active-job-per-resource
// invariant.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusValidating:
		return true
	default:
		return false
	}
}

// ActiveStatuses returns the states that count as in-flight, in a stable
// order usable in SQL IN clauses.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusValidating}
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both
// states) when from → to is not legal. Stores call this before the atomic
// write so every backend shares one state machine.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", conduit.ErrInvalidTransition, from, to)
	}
	return nil
}
