package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

const jobColumns = `
	id, tenant_id, job_type, resource_ref, payload, status, progress,
	message, result_ref, failure_code, failure_message, failure_permanent,
	failure_at, attempt_count, max_attempts, timeout, claimed_by,
	created_at, updated_at`

// CreateJob persists a new job in pending state. The duplicate-active
// check rides the partial unique index, so two concurrent submissions for
// the same (tenant, resource, type) resolve inside Postgres.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	var (
		failureCode, failureMessage *string
		failurePermanent            *bool
		failureAt                   *time.Time
	)
	if j.Failure != nil {
		failureCode = &j.Failure.Code
		failureMessage = &j.Failure.Message
		failurePermanent = &j.Failure.Permanent
		failureAt = &j.Failure.At
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conduit_jobs (
			id, tenant_id, job_type, resource_ref, payload, status, progress,
			message, result_ref, failure_code, failure_message, failure_permanent,
			failure_at, attempt_count, max_attempts, timeout, claimed_by,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		j.ID.String(), j.TenantID, string(j.Type), j.ResourceRef, j.Payload,
		string(j.Status), j.Progress,
		j.Message, j.ResultRef, failureCode, failureMessage, failurePermanent,
		failureAt, j.AttemptCount, j.MaxAttempts, j.Timeout.Nanoseconds(),
		j.ClaimedBy.String(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "uq_conduit_jobs_active") {
			return fmt.Errorf("%w: resource %q already has an active %s job",
				conduit.ErrDuplicateActiveJob, j.ResourceRef, j.Type)
		}
		if isUniqueViolation(err, "") {
			return fmt.Errorf("conduit/postgres: job %s already exists", j.ID)
		}
		return fmt.Errorf("conduit/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conduit_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/postgres: get job: %w", err)
	}
	return j, nil
}

// TransitionJob atomically moves a job from the expected status to the
// new one. The status check and the write are one conditional UPDATE, so
// concurrent racers on the same expectation resolve to exactly one
// winner; the losers get ErrStaleTransition.
func (s *Store) TransitionJob(ctx context.Context, jobID id.JobID, from, to job.Status, up job.Update) (*job.Job, error) {
	if err := job.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	var (
		failureCode, failureMessage *string
		failurePermanent            *bool
		failureAt                   *time.Time
	)
	if up.Failure != nil {
		failureCode = &up.Failure.Code
		failureMessage = &up.Failure.Message
		failurePermanent = &up.Failure.Permanent
		failureAt = &up.Failure.At
	}
	var claimedBy *string
	if up.ClaimedBy != nil {
		str := up.ClaimedBy.String()
		claimedBy = &str
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conduit_jobs SET
			status            = $3,
			progress          = GREATEST(progress, COALESCE($4, progress)),
			message           = COALESCE($5, message),
			result_ref        = COALESCE($6, result_ref),
			failure_code      = COALESCE($7, failure_code),
			failure_message   = COALESCE($8, failure_message),
			failure_permanent = COALESCE($9, failure_permanent),
			failure_at        = COALESCE($10, failure_at),
			attempt_count     = COALESCE($11, attempt_count),
			claimed_by        = COALESCE($12, claimed_by),
			updated_at        = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		jobID.String(), string(from), string(to),
		up.Progress, up.Message, up.ResultRef,
		failureCode, failureMessage, failurePermanent, failureAt,
		up.AttemptCount, claimedBy,
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conduit/postgres: transition job: %w", err)
	}

	// No row matched: either the job is gone or someone moved it first.
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: job %s is %s, expected %s",
		conduit.ErrStaleTransition, jobID, current.Status, from)
}

// ListActiveJobs returns the in-flight jobs for a (tenant, resource,
// type) triple.
func (s *Store) ListActiveJobs(ctx context.Context, tenantID uuid.UUID, resourceRef string, jobType job.Type) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conduit_jobs
		WHERE tenant_id = $1
		  AND resource_ref = $2
		  AND job_type = $3
		  AND status IN ('pending', 'processing', 'validating')
		ORDER BY created_at ASC`,
		tenantID, resourceRef, string(jobType),
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: list active jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobsByStatus returns a tenant's jobs in the given status, ordered
// by creation time.
func (s *Store) ListJobsByStatus(ctx context.Context, tenantID uuid.UUID, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM conduit_jobs
		WHERE tenant_id = $1 AND status = $2
		ORDER BY created_at ASC`
	args := []interface{}{tenantID, string(status)}
	argIdx := 3

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.TenantID != nil {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, *opts.TenantID)
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, string(opts.Type))
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conduit/postgres: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job row. Only terminal jobs may be deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conduit_jobs
		WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: job %s is %s", conduit.ErrJobNotTerminal, jobID, current.Status)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                           job.Job
		idStr, typeStr, statusStr   string
		claimedStr                  string
		failureCode, failureMessage *string
		failurePermanent            *bool
		failureAt                   *time.Time
		timeoutNs                   int64
	)
	err := row.Scan(
		&idStr, &j.TenantID, &typeStr, &j.ResourceRef, &j.Payload,
		&statusStr, &j.Progress,
		&j.Message, &j.ResultRef, &failureCode, &failureMessage, &failurePermanent,
		&failureAt, &j.AttemptCount, &j.MaxAttempts, &timeoutNs, &claimedStr,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typeStr)
	j.Status = job.Status(statusStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if claimedStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(claimedStr); workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	if failureAt != nil {
		j.Failure = &job.Failure{At: *failureAt}
		if failureCode != nil {
			j.Failure.Code = *failureCode
		}
		if failureMessage != nil {
			j.Failure.Message = *failureMessage
		}
		if failurePermanent != nil {
			j.Failure.Permanent = *failurePermanent
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conduit/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conduit/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
