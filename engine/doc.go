// Package engine wires the pipeline subsystems together and provides the
// application-level API for registering job types, submitting work, and
// querying job state.
//
// The engine package exists to break an import cycle: the root conduit
// package defines Entity and the error taxonomy (imported by job, dlq,
// broker, and the stores) and therefore cannot import those packages back.
// Engine sits above every subsystem package and below the application
// layer.
//
// # Building an Engine
//
//	s := memory.New()
//	b := brokermem.New()
//
//	eng, err := engine.New(s, b,
//	    engine.WithConfig(conduit.Config{Concurrency: 8}),
//	    engine.WithBackoff(backoff.NewExponentialWithJitter(time.Second, time.Minute)),
//	    engine.WithThrottle(throttle.Config{Type: "bim_convert_ifc_to_gltf", MaxConcurrency: 2}),
//	)
//
// # Registering Work
//
//	engine.Register(eng, ConvertIFC)
//
// # Submitting Jobs
//
// Every job-facing operation reads the caller's tenant from the context;
// submission without one fails with conduit.ErrNoTenant.
//
//	ctx := tenant.WithTenant(ctx, tenantID)
//	j, err := engine.Submit(ctx, eng, "bim_convert_ifc_to_gltf", "models/42", input)
//
// # Options
//
//   - [WithConfig] — pipeline-wide concurrency, polling, and shutdown settings
//   - [WithLogger] — structured logger for all subsystems
//   - [WithHook] — register a lifecycle hook
//   - [WithMiddleware] — append a middleware to the execution chain
//   - [WithBackoff] — set the retry backoff strategy
//   - [WithThrottle] — per-type and per-tenant rate and concurrency limits
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
