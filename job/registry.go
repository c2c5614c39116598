package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased processing function. It receives the raw
// JSON payload and an execution handle for progress checkpoints, and
// returns a reference to the output artifact.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, run *Run, payload []byte) (resultRef string, err error)

// ValidatorFunc checks the output artifact of a completed handler before
// the job is allowed to finish. A non-nil error fails the job permanently
// (validation rejections are never retried).
type ValidatorFunc func(ctx context.Context, run *Run, resultRef string) error

// Registered is a resolved registry entry: the type-erased handler, the
// optional validator, and the per-type options.
type Registered struct {
	Handler   HandlerFunc
	Validator ValidatorFunc
	Opts      Options
}

// Registry maps job types to their processing functions. It replaces any
// global simulated-vs-real toggles: handlers are injected once at startup
// and resolved per dequeue, never consulted as mutable global state.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]Registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[Type]Registered),
	}
}

// RegisterDefinition registers a typed definition. The generic handler is
// wrapped in a closure that JSON-unmarshals the payload into T before
// calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, run *Run, payload []byte) (string, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return "", fmt.Errorf("unmarshal payload for job type %q: %w", def.Type, err)
			}
		}
		return def.Handler(ctx, run, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = Registered{
		Handler:   handler,
		Validator: def.Opts.Validator,
		Opts:      def.Opts,
	}
}

// Resolve returns the registered entry for the given job type.
// Returns false if nothing is registered.
func (r *Registry) Resolve(t Type) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.defs[t]
	return reg, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
