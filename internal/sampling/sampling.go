// Package sampling asks users at random moments of their workday what they
// are doing, seeding the work log that the summaries draw from. Slot times
// are derived deterministically from (user, local date, slot) so re-planning
// is idempotent across leader changes.
package sampling

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/companionmemory/compmem/internal/chat"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/usersettings"
)

// TypePrompt is the queued prompt job type.
const TypePrompt = "work_sampling_prompt"

// DefaultPromptsPerDay is the slot count when none is configured.
const DefaultPromptsPerDay = 5

// Workday bounds in the user's local time.
const (
	workdayStartHour = 8
	workdayEndHour   = 17
)

// PromptVariations are the check-in texts; one is picked per prompt.
var PromptVariations = []string{
	"What are you working on right now?",
	"Quick check-in: what are you up to at the moment?",
	"What task has your attention right now?",
	"What are you in the middle of right now?",
	"Checking in. What are you working on?",
}

// PromptPayload identifies one sampled slot for one user.
type PromptPayload struct {
	UserID    string `json:"user_id"`
	SlotIndex int    `json:"slot_index"`
}

// Service plans sampling slots and handles the prompt job.
type Service struct {
	settings  *usersettings.Store
	chat      chat.Client
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(settings *usersettings.Store, chatClient chat.Client, scheduler *jobs.Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{settings: settings, chat: chatClient, scheduler: scheduler, logger: logger}
}

// Register installs the prompt handler.
func (s *Service) Register(registry *jobs.Registry) {
	registry.Register(TypePrompt, jobs.NewHandler(s.handlePrompt))
}

func (s *Service) handlePrompt(ctx context.Context, _ *jobs.Job, p PromptPayload) error {
	if p.UserID == "" {
		return jobs.Permanent(errors.New("work_sampling_prompt payload missing user_id"))
	}

	text := PromptVariations[rand.Intn(len(PromptVariations))]
	if _, err := s.chat.SendMessage(ctx, p.UserID, text); err != nil {
		return err
	}
	s.logger.Info("work sampling prompt sent", "user_id", p.UserID, "slot_index", p.SlotIndex)
	return nil
}

// Plan is the midnight-UTC planner entry. Each user's 08:00-17:00 local
// workday is cut into promptsPerDay slots with one deterministic random
// instant each. When the tick lands after a user's workday already ended
// (zones west of UTC), planning rolls to their next local day; individual
// instants that have already passed are skipped rather than fired late.
func (s *Service) Plan(users []string, promptsPerDay int) func(ctx context.Context, now time.Time) error {
	if promptsPerDay <= 0 {
		promptsPerDay = DefaultPromptsPerDay
	}
	return func(ctx context.Context, now time.Time) error {
		var errs []error
		for _, user := range users {
			if err := s.planUser(ctx, user, now, promptsPerDay); err != nil {
				s.logger.Error("work sampling planning failed", "user_id", user, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", user, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (s *Service) planUser(ctx context.Context, user string, now time.Time, promptsPerDay int) error {
	loc, err := s.settings.Timezone(ctx, user)
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), workdayStartHour, 0, 0, 0, loc)
	dayEnd := time.Date(local.Year(), local.Month(), local.Day(), workdayEndHour, 0, 0, 0, loc)
	if !local.Before(dayEnd) {
		dayStart = time.Date(local.Year(), local.Month(), local.Day()+1, workdayStartHour, 0, 0, 0, loc)
		dayEnd = time.Date(local.Year(), local.Month(), local.Day()+1, workdayEndHour, 0, 0, 0, loc)
	}
	localDate := dayStart.Format("2006-01-02")
	slotLen := dayEnd.Sub(dayStart) / time.Duration(promptsPerDay)

	for i := 0; i < promptsPerDay; i++ {
		runAt := slotInstant(user, localDate, i, dayStart, slotLen)
		if runAt.Before(now) {
			s.logger.Debug("skipping past sampling slot",
				"user_id", user, "slot_index", i, "run_at", runAt)
			continue
		}

		result, err := s.scheduler.Schedule(ctx, TypePrompt, PromptPayload{UserID: user, SlotIndex: i}, runAt, jobs.ScheduleOpts{
			LogicalID: fmt.Sprintf("%s:%s:%d", TypePrompt, user, i),
			Bucket:    localDate,
		})
		if err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		if !result.Deduped {
			s.logger.Info("work sampling slot planned",
				"user_id", user, "slot_index", i, "run_at", runAt)
		}
	}
	return nil
}

// slotInstant picks slot i's instant: a uniform offset into the slot, drawn
// from a PRNG seeded with sha256(user-date-slot) so every planner run lands
// on the same answer.
func slotInstant(user, localDate string, slot int, dayStart time.Time, slotLen time.Duration) time.Time {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", user, localDate, slot)))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	offset := time.Duration(rng.Int63n(int64(slotLen)))
	return dayStart.Add(time.Duration(slot) * slotLen).Add(offset).UTC()
}
