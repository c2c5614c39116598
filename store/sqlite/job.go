package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

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
// check rides the partial unique index.
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conduit_jobs (
			id, tenant_id, job_type, resource_ref, payload, status, progress,
			message, result_ref, failure_code, failure_message, failure_permanent,
			failure_at, attempt_count, max_attempts, timeout, claimed_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.TenantID.String(), string(j.Type), j.ResourceRef,
		j.Payload, string(j.Status), j.Progress,
		j.Message, j.ResultRef, failureCode, failureMessage, failurePermanent,
		failureAt, j.AttemptCount, j.MaxAttempts, j.Timeout.Nanoseconds(),
		j.ClaimedBy.String(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "conduit_jobs.tenant_id") {
			return fmt.Errorf("%w: resource %q already has an active %s job",
				conduit.ErrDuplicateActiveJob, j.ResourceRef, j.Type)
		}
		if isUniqueViolation(err, "") {
			return fmt.Errorf("conduit/sqlite: job %s already exists", j.ID)
		}
		return fmt.Errorf("conduit/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM conduit_jobs WHERE id = ?`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/sqlite: get job: %w", err)
	}
	return j, nil
}

// TransitionJob atomically moves a job from the expected status to the
// new one. The guarded UPDATE and the re-read share one transaction so
// the returned snapshot is the row this transition produced.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE conduit_jobs SET
			status            = ?,
			progress          = MAX(progress, COALESCE(?, progress)),
			message           = COALESCE(?, message),
			result_ref        = COALESCE(?, result_ref),
			failure_code      = COALESCE(?, failure_code),
			failure_message   = COALESCE(?, failure_message),
			failure_permanent = COALESCE(?, failure_permanent),
			failure_at        = COALESCE(?, failure_at),
			attempt_count     = COALESCE(?, attempt_count),
			claimed_by        = COALESCE(?, claimed_by),
			updated_at        = ?
		WHERE id = ? AND status = ?`,
		string(to),
		up.Progress, up.Message, up.ResultRef,
		failureCode, failureMessage, failurePermanent, failureAt,
		up.AttemptCount, claimedBy,
		time.Now().UTC(),
		jobID.String(), string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: transition job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: transition rows affected: %w", err)
	}
	if affected == 0 {
		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT status FROM conduit_jobs WHERE id = ?`, jobID.String(),
		).Scan(&current)
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("conduit/sqlite: transition recheck: %w", err)
		}
		return nil, fmt.Errorf("%w: job %s is %s, expected %s",
			conduit.ErrStaleTransition, jobID, current, from)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM conduit_jobs WHERE id = ?`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: transition reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("conduit/sqlite: commit transition: %w", err)
	}
	return j, nil
}

// ListActiveJobs returns the in-flight jobs for a (tenant, resource,
// type) triple.
func (s *Store) ListActiveJobs(ctx context.Context, tenantID uuid.UUID, resourceRef string, jobType job.Type) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM conduit_jobs
		WHERE tenant_id = ?
		  AND resource_ref = ?
		  AND job_type = ?
		  AND status IN ('pending', 'processing', 'validating')
		ORDER BY created_at ASC`,
		tenantID.String(), resourceRef, string(jobType),
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: list active jobs: %w", err)
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
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at ASC`
	args := []any{tenantID.String(), string(status)}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_jobs WHERE 1=1`
	args := []any{}

	if opts.TenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, opts.TenantID.String())
	}
	if opts.Type != "" {
		query += " AND job_type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conduit/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job row. Only terminal jobs may be deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conduit_jobs
		WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conduit/sqlite: delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conduit/sqlite: delete rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: job %s is %s", conduit.ErrJobNotTerminal, jobID, current.Status)
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanJob scans a single job row.
func scanJob(row scanner) (*job.Job, error) {
	var (
		j                           job.Job
		idStr, tenantStr, typeStr   string
		statusStr, claimedStr       string
		failureCode, failureMessage sql.NullString
		failurePermanent            sql.NullBool
		failureAt                   sql.NullTime
		timeoutNs                   int64
	)
	err := row.Scan(
		&idStr, &tenantStr, &typeStr, &j.ResourceRef, &j.Payload,
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

	tenant, parseErr := uuid.Parse(tenantStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse tenant id %q: %w", tenantStr, parseErr)
	}
	j.TenantID = tenant

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if claimedStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(claimedStr); workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	if failureAt.Valid {
		j.Failure = &job.Failure{
			Code:      failureCode.String,
			Message:   failureMessage.String,
			Permanent: failurePermanent.Bool,
			At:        failureAt.Time,
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conduit/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conduit/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}
