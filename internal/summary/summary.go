// Package summary turns a user's work log into LLM-written summaries and
// delivers them over chat. Generation and delivery are separate queued jobs
// so a chat outage retries without re-running the model.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/chat"
	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/llm"
	"github.com/companionmemory/compmem/internal/logstore"
	"github.com/companionmemory/compmem/internal/usersettings"
)

// Job types owned by this package.
const (
	TypeGenerate = "generate_summary"
	TypeSend     = "send_chat_message"
	TypeDaily    = "daily_summary"
)

// Ranges accepted by generate_summary.
const (
	RangeToday     = "today"
	RangeYesterday = "yesterday"
	RangeLastWeek  = "lastweek"
)

// GeneratePayload asks for a summary of one user and range.
type GeneratePayload struct {
	UserID string `json:"user_id"`
	Range  string `json:"summary_range"`
}

// SendPayload delivers an already-generated message. JobUUID ties the send
// back to the generation that produced it in the logs.
type SendPayload struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	JobUUID string `json:"job_uuid"`
}

// DailyPayload drives the morning summary for one user.
type DailyPayload struct {
	UserID string `json:"user_id"`
}

// Service generates summaries and handles the summary job types.
type Service struct {
	logs      *logstore.Store
	settings  *usersettings.Store
	llm       llm.Client
	chat      chat.Client
	scheduler *jobs.Scheduler
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(logs *logstore.Store, settings *usersettings.Store, llmClient llm.Client, chatClient chat.Client, scheduler *jobs.Scheduler, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logs:      logs,
		settings:  settings,
		llm:       llmClient,
		chat:      chatClient,
		scheduler: scheduler,
		clock:     clk,
		logger:    logger,
	}
}

// Register installs the summary job handlers.
func (s *Service) Register(registry *jobs.Registry) {
	registry.Register(TypeGenerate, jobs.NewHandler(s.handleGenerate))
	registry.Register(TypeSend, jobs.NewHandler(s.handleSend))
	registry.Register(TypeDaily, jobs.NewHandler(s.handleDaily))
}

// Summarize fetches the user's log entries for the range and asks the model
// for a summary. Range boundaries are evaluated in the user's timezone.
func (s *Service) Summarize(ctx context.Context, userID, rng string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id must not be empty")
	}
	loc, err := s.settings.Timezone(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve timezone for %s: %w", userID, err)
	}

	from, to, period, err := rangeWindow(rng, s.clock.Now(), loc)
	if err != nil {
		return "", err
	}

	entries, err := s.logs.Fetch(ctx, userID, from, to)
	if err != nil {
		return "", fmt.Errorf("fetch logs for %s: %w", userID, err)
	}

	text, err := s.llm.Complete(ctx, buildPrompt(entries, period))
	if err != nil {
		return "", fmt.Errorf("generate %s summary for %s: %w", rng, userID, err)
	}
	return text, nil
}

func (s *Service) handleGenerate(ctx context.Context, _ *jobs.Job, p GeneratePayload) error {
	if !validRange(p.Range) {
		return jobs.Permanent(fmt.Errorf("unknown summary range %q", p.Range))
	}

	message, err := s.Summarize(ctx, p.UserID, p.Range)
	if err != nil {
		return err
	}

	// Time-ordered UUID tracing the generation through to the send.
	jobUUID, err := uuid.NewUUID()
	if err != nil {
		return fmt.Errorf("generate trace id: %w", err)
	}

	_, err = s.scheduler.Schedule(ctx, TypeSend, SendPayload{
		UserID:  p.UserID,
		Message: message,
		JobUUID: jobUUID.String(),
	}, s.clock.Now(), jobs.ScheduleOpts{})
	if err != nil {
		return fmt.Errorf("enqueue summary delivery for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *Service) handleSend(ctx context.Context, _ *jobs.Job, p SendPayload) error {
	if p.UserID == "" {
		return jobs.Permanent(fmt.Errorf("send_chat_message payload missing user_id"))
	}
	s.logger.Info("sending chat message", "user_id", p.UserID, "job_uuid", p.JobUUID)

	result, err := s.chat.SendMessage(ctx, p.UserID, p.Message)
	if err != nil {
		return err
	}
	s.logger.Info("chat message sent",
		"user_id", p.UserID, "job_uuid", p.JobUUID, "message_id", result.MessageID)
	return nil
}

// handleDaily generates yesterday's summary and delivers it in one job. The
// planner schedules it at the user's local 07:00, when "yesterday" is a
// complete day.
func (s *Service) handleDaily(ctx context.Context, _ *jobs.Job, p DailyPayload) error {
	if p.UserID == "" {
		return jobs.Permanent(fmt.Errorf("daily_summary payload missing user_id"))
	}

	message, err := s.Summarize(ctx, p.UserID, RangeYesterday)
	if err != nil {
		return err
	}
	if _, err := s.chat.SendMessage(ctx, p.UserID, message); err != nil {
		return err
	}
	s.logger.Info("daily summary delivered", "user_id", p.UserID)
	return nil
}

func validRange(rng string) bool {
	switch rng {
	case RangeToday, RangeYesterday, RangeLastWeek:
		return true
	}
	return false
}

// rangeWindow maps a range name to a half-open fetch window and the period
// wording used in the prompt.
func rangeWindow(rng string, now time.Time, loc *time.Location) (from, to time.Time, period string, err error) {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch rng {
	case RangeToday:
		return midnight.UTC(), now.UTC(), "current day", nil
	case RangeYesterday:
		return midnight.AddDate(0, 0, -1).UTC(), midnight.UTC(), "previous day", nil
	case RangeLastWeek:
		return now.Add(-7 * 24 * time.Hour).UTC(), now.UTC(), "past week", nil
	default:
		return time.Time{}, time.Time{}, "", fmt.Errorf("unknown summary range %q", rng)
	}
}

func buildPrompt(entries []logstore.Entry, period string) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("- %s: %s", e.Timestamp.Format(time.RFC3339), e.Text))
	}
	return fmt.Sprintf(`Please summarize the following work log entries from the %s:

%s

Provide a concise summary of the main activities and themes.`, period, strings.Join(lines, "\n"))
}
