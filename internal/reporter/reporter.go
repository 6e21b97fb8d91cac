// Package reporter implements job failure reporting. Every process carries
// the slog reporter; deployments with a Sentry DSN add the Sentry reporter
// on top so failures page with full job context.
package reporter

import (
	"context"
	"log/slog"

	"github.com/companionmemory/compmem/internal/jobs"
)

// LogReporter writes job failures to the process log.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter. A nil logger uses slog.Default.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportJobError(ctx context.Context, err error, job *jobs.Job) {
	r.logger.ErrorContext(ctx, "job failed",
		"error", err,
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
		"scheduled_for", job.ScheduledFor,
	)
}

// Multi fans a failure out to several reporters.
type Multi []jobs.ErrorReporter

func (m Multi) ReportJobError(ctx context.Context, err error, job *jobs.Job) {
	for _, r := range m {
		r.ReportJobError(ctx, err, job)
	}
}
