// Package conduit is the asynchronous job pipeline of the Eterna Home
// platform. It accepts long-running conversion and processing requests
// (voice-command transcription, BIM model format conversion), hands them to
// a pool of workers through a broker, tracks each job through an explicit
// state machine, and enforces per-tenant isolation together with
// at-most-one-active-job-per-resource semantics.
//
// Conduit is designed as a library, not a service. Import it, configure a
// store and a broker, register processing functions as ordinary Go
// functions, and submit work:
//
//	eng, err := engine.New(store, brk)
//	engine.Register(eng, job.NewDefinition(job.TypeVoiceCommand, handleVoice))
//	j, err := eng.Submit(ctx, engine.SubmitRequest{...})
//
// # Architecture
//
// The job store owns all job rows; every mutation is funnelled through a
// single atomic compare-and-set transition, which is what makes concurrent
// workers, cancellation, and crash recovery safe without locks held across
// I/O. The broker carries only opaque work tickets and backs retry with a
// visibility timeout. Processing functions are resolved from a registry at
// startup, never from global state.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers. Tenants are identified by plain UUIDs issued by the
// platform's account system.
package conduit
