package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eternahome/conduit"
	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/id"
	"github.com/eternahome/conduit/job"
)

const dlqColumns = `
	id, job_id, job_type, tenant_id, resource_ref, payload, error,
	permanent, attempt_count, max_attempts, failed_at, replayed_at, created_at`

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conduit_dlq (
			id, job_id, job_type, tenant_id, resource_ref, payload, error,
			permanent, attempt_count, max_attempts, failed_at, replayed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.JobID.String(), string(entry.Type),
		entry.TenantID.String(), entry.ResourceRef, entry.Payload, entry.Error,
		entry.Permanent, entry.AttemptCount, entry.MaxAttempts,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conduit/sqlite: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest failure
// first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM conduit_dlq WHERE 1=1`
	args := []any{}

	if opts.TenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, opts.TenantID.String())
	}
	if opts.Type != "" {
		query += " AND job_type = ?"
		args = append(args, string(opts.Type))
	}

	query += " ORDER BY failed_at DESC"

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
		return nil, fmt.Errorf("conduit/sqlite: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conduit/sqlite: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conduit/sqlite: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM conduit_dlq WHERE id = ?`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrDLQNotFound
		}
		return nil, fmt.Errorf("conduit/sqlite: get dlq: %w", err)
	}
	return e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conduit_dlq SET replayed_at = ? WHERE id = ?`,
		time.Now().UTC(), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("conduit/sqlite: replay dlq: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conduit/sqlite: replay rows affected: %w", err)
	}
	if affected == 0 {
		return conduit.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conduit_dlq WHERE failed_at < ?`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("conduit/sqlite: purge dlq: %w", err)
	}
	return res.RowsAffected()
}

// CountDLQ returns the number of entries for a tenant. A nil tenant
// counts everything.
func (s *Store) CountDLQ(ctx context.Context, tenantID *uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_dlq`
	args := []any{}
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID.String())
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conduit/sqlite: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row scanner) (*dlq.Entry, error) {
	var (
		e                          dlq.Entry
		idStr, jobIDStr, tenantStr string
		typeStr                    string
		replayedAt                 sql.NullTime
	)
	err := row.Scan(
		&idStr, &jobIDStr, &typeStr, &tenantStr, &e.ResourceRef,
		&e.Payload, &e.Error, &e.Permanent, &e.AttemptCount, &e.MaxAttempts,
		&e.FailedAt, &replayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = job.Type(typeStr)
	if replayedAt.Valid {
		t := replayedAt.Time
		e.ReplayedAt = &t
	}

	tenant, parseErr := uuid.Parse(tenantStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse tenant id %q: %w", tenantStr, parseErr)
	}
	e.TenantID = tenant

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse dlq id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedJobID, parseErr := id.ParseJobID(jobIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/sqlite: parse job id %q: %w", jobIDStr, parseErr)
	}
	e.JobID = parsedJobID

	return &e, nil
}
