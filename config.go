package conduit

import "time"

// Config holds pipeline-wide configuration shared by the engine and the
// worker pool.
type Config struct {
	// Concurrency is the number of concurrent worker goroutines.
	Concurrency int

	// JobTypes is the set of job types this pipeline's workers consume.
	// Empty means all registered types.
	JobTypes []string

	// PollInterval is how often an idle worker polls the broker.
	PollInterval time.Duration

	// VisibilityTimeout is how long a dequeued ticket stays invisible
	// before the broker makes it redeliverable. It must exceed the longest
	// per-type execution timeout, since it is the sole crash detector.
	VisibilityTimeout time.Duration

	// MaxAttempts is the default execution attempt budget for job types
	// that do not set their own.
	MaxAttempts int

	// ShutdownTimeout is the maximum time to wait for in-flight jobs on
	// graceful shutdown before cancelling their contexts.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 10 * time.Minute,
		MaxAttempts:       3,
		ShutdownTimeout:   30 * time.Second,
	}
}
