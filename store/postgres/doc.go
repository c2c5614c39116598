// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// The two correctness-critical invariants live inside the database rather
// than in Go:
//
//   - the one-active-job-per-resource rule is the partial unique index
//     uq_conduit_jobs_active, so concurrent submissions for the same
//     (tenant, resource, type) resolve to exactly one insert;
//   - the compare-and-set transition is a single conditional UPDATE
//     (WHERE id = $1 AND status = $2), so concurrent claimers of the same
//     job resolve to exactly one winner.
//
// This makes the store safe for any number of pipeline instances sharing
// one database, with no advisory locks or coordination service.
package postgres
