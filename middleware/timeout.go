package middleware

import (
	"context"
	"log/slog"

	"github.com/eternahome/conduit/job"
)

// Timeout returns middleware that enforces the per-type execution deadline
// carried on the job row. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded.
// Failure detection for dead workers stays with the broker's visibility
// timeout; this only bounds a live handler.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
