package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companionmemory/compmem/internal/jobs"
)

// NextSevenAM returns the next 07:00 in loc at or after now, as a UTC
// instant. If local 07:00 has already passed today it lands on tomorrow.
// Building the local time with time.Date keeps DST transitions correct.
func NextSevenAM(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	seven := time.Date(local.Year(), local.Month(), local.Day(), 7, 0, 0, 0, loc)
	if !local.Before(seven) {
		seven = time.Date(local.Year(), local.Month(), local.Day()+1, 7, 0, 0, 0, loc)
	}
	return seven.UTC()
}

// PlanDaily is the midnight-UTC planner entry: it schedules each configured
// user's daily_summary at their next local 07:00. The logical id and local
// date bucket make re-planning idempotent, so leader churn around midnight
// cannot double-schedule anyone.
func (s *Service) PlanDaily(users []string) func(ctx context.Context, now time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		var errs []error
		for _, user := range users {
			if err := s.planUserDaily(ctx, user, now); err != nil {
				s.logger.Error("daily summary planning failed", "user_id", user, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", user, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (s *Service) planUserDaily(ctx context.Context, user string, now time.Time) error {
	loc, err := s.settings.Timezone(ctx, user)
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	runAt := NextSevenAM(now, loc)
	result, err := s.scheduler.Schedule(ctx, TypeDaily, DailyPayload{UserID: user}, runAt, jobs.ScheduleOpts{
		LogicalID: "daily_summary:" + user,
		Bucket:    runAt.In(loc).Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	if result.Deduped {
		s.logger.Debug("daily summary already planned", "user_id", user, "run_at", runAt)
	} else {
		s.logger.Info("daily summary planned", "user_id", user, "run_at", runAt)
	}
	return nil
}
