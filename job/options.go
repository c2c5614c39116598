package job

import "time"

// Options configures per-job-type behavior.
type Options struct {
	// MaxAttempts is the execution attempt budget before the job fails
	// terminally.
	MaxAttempts int

	// Timeout is the maximum duration one execution attempt may run. The
	// broker's visibility timeout, not this value, is what detects dead
	// workers; this only bounds a live handler.
	Timeout time.Duration

	// Validator, when set, adds the processing → validating → completed
	// stage to the job's lifecycle. Types without one complete straight
	// from processing.
	Validator ValidatorFunc
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the execution attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithTimeout sets the maximum duration of one execution attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithValidator sets the optional output validation step.
func WithValidator(v ValidatorFunc) Option {
	return func(o *Options) {
		o.Validator = v
	}
}
