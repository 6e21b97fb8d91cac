package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/companionmemory/compmem/internal/jobs"
)

// SentryReporter captures job failures as Sentry events. Each event carries a
// "job" context block so alerts can be triaged without log access.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter bound to its own hub so job capture
// never races other Sentry usage in the process.
func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("reporter: init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) ReportJobError(_ context.Context, err error, job *jobs.Job) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_type", job.Type)
		scope.SetContext("job", sentry.Context{
			"job_id":        job.ID.String(),
			"job_type":      job.Type,
			"attempts":      job.Attempts,
			"payload":       string(job.Payload),
			"scheduled_for": job.ScheduledFor.UTC().Format(time.RFC3339),
		})
		r.hub.CaptureException(err)
	})
}

// Close flushes buffered events. Call it on shutdown.
func (r *SentryReporter) Close() {
	r.hub.Flush(2 * time.Second)
}
