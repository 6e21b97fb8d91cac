// Package heartbeat implements the queue's liveness diagnostic: a planner
// entry fires every minute, logs a marker, and schedules a follow-up job ten
// seconds out. Seeing both markers in the logs proves the planner and the
// worker loop are alive end to end.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/jobs"
)

// TypeEvent is the job type of the queued follow-up.
const TypeEvent = "heartbeat_event"

// eventDelay separates the timed marker from its queued echo.
const eventDelay = 10 * time.Second

type eventPayload struct {
	UUID string `json:"uuid"`
}

// Beat emits heartbeat markers and handles the follow-up job.
type Beat struct {
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

// New creates a Beat. A nil logger uses slog.Default.
func New(scheduler *jobs.Scheduler, logger *slog.Logger) *Beat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beat{scheduler: scheduler, logger: logger}
}

// Register installs the follow-up handler. Call it before the planner can
// fire, Schedule refuses job types without a handler.
func (b *Beat) Register(registry *jobs.Registry) {
	registry.Register(TypeEvent, jobs.NewHandler(b.handleEvent))
}

// EmitTimed is the every-minute planner entry. The UUID is time-ordered so
// markers can be correlated across restarts.
func (b *Beat) EmitTimed(ctx context.Context, now time.Time) error {
	id, err := uuid.NewUUID()
	if err != nil {
		return fmt.Errorf("generate heartbeat id: %w", err)
	}

	b.logger.Info(fmt.Sprintf("Heartbeat (timed): UUID=%s", id))

	_, err = b.scheduler.Schedule(ctx, TypeEvent, eventPayload{UUID: id.String()}, now.Add(eventDelay), jobs.ScheduleOpts{})
	if err != nil {
		return fmt.Errorf("schedule heartbeat event: %w", err)
	}
	return nil
}

func (b *Beat) handleEvent(_ context.Context, _ *jobs.Job, p eventPayload) error {
	b.logger.Info(fmt.Sprintf("Heartbeat (event): UUID=%s", p.UUID))
	return nil
}
