package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/eternahome/conduit/job"
)

// Logging returns middleware that logs the start and outcome of each
// execution attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job attempt started",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("tenant_id", j.TenantID.String()),
			slog.String("resource_ref", j.ResourceRef),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job attempt failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job attempt completed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
