package summary_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/chat"
	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/llm"
	"github.com/companionmemory/compmem/internal/logstore"
	"github.com/companionmemory/compmem/internal/summary"
	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/testutil"
	"github.com/companionmemory/compmem/internal/usersettings"
)

// 2026-03-14 09:00 UTC is 18:00 in Tokyo.
var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *jobs.Store
	registry *jobs.Registry
	logs     *logstore.Store
	settings *usersettings.Store
	llm      *llm.Stub
	chat     *chat.CaptureClient
	clock    *clock.Fake
	svc      *summary.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tbl := table.NewMemory()
	logger := testutil.DiscardLogger()

	f := &fixture{
		store:    jobs.NewStore(tbl, logger),
		registry: jobs.NewRegistry(),
		logs:     logstore.NewStore(tbl, logger),
		settings: usersettings.NewStore(tbl),
		llm:      llm.NewStub("stubbed summary text"),
		chat:     &chat.CaptureClient{},
		clock:    clock.NewFake(t0),
	}
	scheduler := jobs.NewScheduler(f.store, jobs.NewDedupIndex(tbl), f.registry, f.clock, logger)
	f.svc = summary.NewService(f.logs, f.settings, f.llm, f.chat, scheduler, f.clock, logger)
	f.svc.Register(f.registry)
	return f
}

func (f *fixture) append(t *testing.T, user, text string, at time.Time) {
	t.Helper()
	_, err := f.logs.Append(context.Background(), user, text, at)
	testutil.NoError(t, err)
}

func (f *fixture) setTimezone(t *testing.T, user, tz string) {
	t.Helper()
	err := f.settings.Put(context.Background(), &usersettings.Settings{
		UserID:    user,
		Timezone:  tz,
		UpdatedAt: t0,
	})
	testutil.NoError(t, err)
}

func TestSummarizeTodayUsesLocalMidnight(t *testing.T) {
	f := newFixture(t)
	f.setTimezone(t, "alice", "Asia/Tokyo")

	// Tokyo's March 14 runs 2026-03-13T15:00Z to 2026-03-14T15:00Z.
	f.append(t, "alice", "wrote parser tests", time.Date(2026, 3, 13, 16, 0, 0, 0, time.UTC))
	f.append(t, "alice", "fixed flaky build", time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	f.append(t, "alice", "still on yesterday", time.Date(2026, 3, 13, 14, 0, 0, 0, time.UTC))

	text, err := f.svc.Summarize(context.Background(), "alice", summary.RangeToday)
	testutil.NoError(t, err)
	testutil.Equal(t, "stubbed summary text", text)

	prompts := f.llm.Prompts()
	testutil.SliceLen(t, prompts, 1)
	testutil.Contains(t, prompts[0], "work log entries from the current day")
	testutil.Contains(t, prompts[0], "wrote parser tests")
	testutil.Contains(t, prompts[0], "fixed flaky build")
	testutil.False(t, strings.Contains(prompts[0], "still on yesterday"), "entry before local midnight leaked into today")
}

func TestSummarizeYesterdayWindow(t *testing.T) {
	f := newFixture(t)
	f.setTimezone(t, "alice", "Asia/Tokyo")

	f.append(t, "alice", "yesterday evening note", time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC))
	f.append(t, "alice", "today morning note", time.Date(2026, 3, 13, 16, 0, 0, 0, time.UTC))
	f.append(t, "alice", "two days back", time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC))

	_, err := f.svc.Summarize(context.Background(), "alice", summary.RangeYesterday)
	testutil.NoError(t, err)

	prompt := f.llm.Prompts()[0]
	testutil.Contains(t, prompt, "work log entries from the previous day")
	testutil.Contains(t, prompt, "yesterday evening note")
	testutil.False(t, strings.Contains(prompt, "today morning note"), "today's entry leaked into yesterday")
	testutil.False(t, strings.Contains(prompt, "two days back"), "stale entry leaked into yesterday")
}

func TestSummarizeLastWeekWindow(t *testing.T) {
	f := newFixture(t)

	f.append(t, "bob", "recent work", t0.Add(-3*24*time.Hour))
	f.append(t, "bob", "ancient work", t0.Add(-8*24*time.Hour))

	_, err := f.svc.Summarize(context.Background(), "bob", summary.RangeLastWeek)
	testutil.NoError(t, err)

	prompt := f.llm.Prompts()[0]
	testutil.Contains(t, prompt, "work log entries from the past week")
	testutil.Contains(t, prompt, "recent work")
	testutil.False(t, strings.Contains(prompt, "ancient work"), "entry older than seven days leaked in")
}

func TestSummarizeUnknownRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Summarize(context.Background(), "alice", "fortnight")
	testutil.ErrorContains(t, err, "unknown summary range")
}

func TestSummarizeEmptyLogStillPrompts(t *testing.T) {
	f := newFixture(t)

	text, err := f.svc.Summarize(context.Background(), "alice", summary.RangeToday)
	testutil.NoError(t, err)
	testutil.Equal(t, "stubbed summary text", text)
	testutil.SliceLen(t, f.llm.Prompts(), 1)
}

func TestGenerateHandlerEnqueuesSend(t *testing.T) {
	f := newFixture(t)
	f.append(t, "alice", "shipped the release", t0.Add(-time.Hour))

	job := &jobs.Job{Type: summary.TypeGenerate, Payload: []byte(`{"user_id":"alice","summary_range":"today"}`)}
	testutil.NoError(t, f.registry.Dispatch(context.Background(), job))

	pending, err := f.store.List(context.Background(), string(jobs.StatusPending), summary.TypeSend, 0)
	testutil.NoError(t, err)
	testutil.SliceLen(t, pending, 1)
	testutil.Equal(t, t0, pending[0].ScheduledFor)

	var p summary.SendPayload
	testutil.NoError(t, json.Unmarshal(pending[0].Payload, &p))
	testutil.Equal(t, "alice", p.UserID)
	testutil.Equal(t, "stubbed summary text", p.Message)
	_, err = uuid.Parse(p.JobUUID)
	testutil.NoError(t, err)
}

func TestGenerateHandlerUnknownRangeIsPermanent(t *testing.T) {
	f := newFixture(t)

	job := &jobs.Job{Type: summary.TypeGenerate, Payload: []byte(`{"user_id":"alice","summary_range":"fortnight"}`)}
	err := f.registry.Dispatch(context.Background(), job)
	testutil.ErrorContains(t, err, "unknown summary range")
	testutil.True(t, jobs.IsPermanent(err), "unknown range should not be retried")
}

func TestSendHandlerDeliversViaChat(t *testing.T) {
	f := newFixture(t)

	job := &jobs.Job{
		Type:    summary.TypeSend,
		Payload: []byte(`{"user_id":"alice","message":"your summary","job_uuid":"8c4eb2d6-1f2a-11f1-9f10-0242ac120002"}`),
	}
	testutil.NoError(t, f.registry.Dispatch(context.Background(), job))

	last := f.chat.Last()
	testutil.NotNil(t, last)
	testutil.Equal(t, "alice", last.UserID)
	testutil.Equal(t, "your summary", last.Text)
}

func TestSendHandlerMissingUserIsPermanent(t *testing.T) {
	f := newFixture(t)

	job := &jobs.Job{Type: summary.TypeSend, Payload: []byte(`{"message":"hi"}`)}
	err := f.registry.Dispatch(context.Background(), job)
	testutil.True(t, jobs.IsPermanent(err), "missing user_id should not be retried")
}

func TestDailyHandlerSummarizesYesterdayAndSends(t *testing.T) {
	f := newFixture(t)
	f.setTimezone(t, "alice", "Asia/Tokyo")
	f.append(t, "alice", "yesterday in Tokyo", time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC))

	job := &jobs.Job{Type: summary.TypeDaily, Payload: []byte(`{"user_id":"alice"}`)}
	testutil.NoError(t, f.registry.Dispatch(context.Background(), job))

	testutil.Contains(t, f.llm.Prompts()[0], "yesterday in Tokyo")
	last := f.chat.Last()
	testutil.NotNil(t, last)
	testutil.Equal(t, "alice", last.UserID)
	testutil.Equal(t, "stubbed summary text", last.Text)
}

