// Package mongo implements store.Store on MongoDB using the official
// driver. Suitable for distributed deployments requiring horizontal
// scaling and flexible schema evolution.
//
// The pipeline invariants live in the database: a partial unique index on
// (tenant_id, resource_ref, job_type) over active statuses enforces
// single-active-job, and the compare-and-set transition is a single
// FindOneAndUpdate guarded on the expected status.
//
//	s, err := mongo.New(ctx, "mongodb://localhost:27017")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
