// Package usersync keeps stored user settings in step with the org
// directory. A planner entry enqueues one sync job per configured user a few
// times a day; the handler pulls the user's directory profile and copies the
// timezone into settings so the daily planners schedule against fresh data.
package usersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/usersettings"
)

// TypeSync is the queued sync job type.
const TypeSync = "user_sync"

// SyncPayload identifies the user to refresh.
type SyncPayload struct {
	UserID string `json:"user_id"`
}

// Service plans sync jobs and handles them.
type Service struct {
	directory Directory
	settings  *usersettings.Store
	scheduler *jobs.Scheduler
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(directory Directory, settings *usersettings.Store, scheduler *jobs.Scheduler, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{directory: directory, settings: settings, scheduler: scheduler, clock: clk, logger: logger}
}

// Register installs the sync handler.
func (s *Service) Register(registry *jobs.Registry) {
	registry.Register(TypeSync, jobs.NewHandler(s.handleSync))
}

// Plan is the six-hourly planner entry: one immediate sync job per user.
// Sync jobs are not deduplicated; each tick refreshes again.
func (s *Service) Plan(users []string) func(ctx context.Context, now time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		var errs []error
		for _, user := range users {
			_, err := s.scheduler.Schedule(ctx, TypeSync, SyncPayload{UserID: user}, now, jobs.ScheduleOpts{})
			if err != nil {
				s.logger.Error("user sync planning failed", "user_id", user, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", user, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (s *Service) handleSync(ctx context.Context, _ *jobs.Job, p SyncPayload) error {
	if p.UserID == "" {
		return jobs.Permanent(errors.New("user_sync payload missing user_id"))
	}

	profile, err := s.directory.Profile(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("fetch directory profile for %s: %w", p.UserID, err)
	}
	if profile.Timezone == "" {
		s.logger.Info("no timezone in directory profile", "user_id", p.UserID)
		return nil
	}
	if _, err := time.LoadLocation(profile.Timezone); err != nil {
		return jobs.Permanent(fmt.Errorf("directory timezone %q for %s is not a valid IANA zone", profile.Timezone, p.UserID))
	}

	settings, err := s.settings.Get(ctx, p.UserID)
	if errors.Is(err, usersettings.ErrNotFound) {
		settings = &usersettings.Settings{UserID: p.UserID}
	} else if err != nil {
		return fmt.Errorf("load settings for %s: %w", p.UserID, err)
	}

	settings.Timezone = profile.Timezone
	settings.UpdatedAt = s.clock.Now()
	if err := s.settings.Put(ctx, settings); err != nil {
		return fmt.Errorf("store settings for %s: %w", p.UserID, err)
	}
	s.logger.Info("user timezone synced", "user_id", p.UserID, "timezone", profile.Timezone)
	return nil
}
