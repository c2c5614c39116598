package job

import "context"

// Definition is a typed processing-function definition.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the job type this definition handles.
	Type Type

	// Handler processes the payload and returns a reference to the output
	// artifact. Progress checkpoints go through run.Progress; a
	// checkpoint returning conduit.ErrStaleTransition means the job was
	// cancelled and the handler must abort.
	Handler func(ctx context.Context, run *Run, payload T) (string, error)

	// Opts configures attempts, timeout, and the optional validator.
	Opts Options
}

// NewDefinition creates a typed definition.
func NewDefinition[T any](t Type, handler func(ctx context.Context, run *Run, payload T) (string, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    t,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
