package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/testutil"
)

type schedulerFixture struct {
	scheduler *jobs.Scheduler
	store     *jobs.Store
	dedup     *jobs.DedupIndex
	clock     *clock.Fake
}

func newScheduler(t *testing.T, types ...string) *schedulerFixture {
	t.Helper()
	tbl := table.NewMemory()
	store := jobs.NewStore(tbl, testutil.DiscardLogger())
	dedup := jobs.NewDedupIndex(tbl)
	reg := jobs.NewRegistry()
	for _, jt := range types {
		reg.Register(jt, func(ctx context.Context, job *jobs.Job) error { return nil })
	}
	clk := clock.NewFake(t0)
	return &schedulerFixture{
		scheduler: jobs.NewScheduler(store, dedup, reg, clk, testutil.DiscardLogger()),
		store:     store,
		dedup:     dedup,
		clock:     clk,
	}
}

func TestScheduleInsertsPendingRecord(t *testing.T) {
	f := newScheduler(t, "daily_summary")
	ctx := context.Background()
	when := t0.Add(7 * time.Hour)

	res, err := f.scheduler.Schedule(ctx, "daily_summary",
		map[string]string{"user_id": "U123"}, when, jobs.ScheduleOpts{})
	testutil.NoError(t, err)
	testutil.False(t, res.Deduped, "fresh schedule is not a duplicate")
	testutil.Equal(t, jobs.StatusPending, res.Job.Status)
	testutil.Equal(t, when, res.Job.ScheduledFor)
	testutil.Equal(t, t0, res.Job.CreatedAt)
	testutil.Equal(t, `{"user_id":"U123"}`, string(res.Job.Payload))

	due, err := f.store.QueryDue(ctx, when.Add(time.Second), 10)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, len(due))
	testutil.Equal(t, res.Job.ID, due[0].ID)
}

func TestScheduleRejectsUnknownType(t *testing.T) {
	f := newScheduler(t, "daily_summary")
	ctx := context.Background()

	_, err := f.scheduler.Schedule(ctx, "mystery_job", nil, t0, jobs.ScheduleOpts{})
	testutil.ErrorContains(t, err, "no handler registered")

	due, err := f.store.QueryDue(ctx, t0.Add(time.Hour), 10)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, len(due))
}

func TestScheduleDeduplicates(t *testing.T) {
	f := newScheduler(t, "daily_summary")
	ctx := context.Background()
	when := t0.Add(7 * time.Hour)
	opts := jobs.ScheduleOpts{LogicalID: "daily_summary:U123", Bucket: "2026-03-14"}

	first, err := f.scheduler.Schedule(ctx, "daily_summary", nil, when, opts)
	testutil.NoError(t, err)
	testutil.False(t, first.Deduped, "first caller wins the reservation")

	// A second caller, even with a different requested time, is suppressed
	// and handed the record the reservation points at.
	second, err := f.scheduler.Schedule(ctx, "daily_summary", nil, when.Add(time.Hour), opts)
	testutil.NoError(t, err)
	testutil.True(t, second.Deduped, "second caller is deduplicated")
	testutil.Equal(t, first.Job.SortKey(), second.Job.SortKey())

	due, err := f.store.QueryDue(ctx, t0.Add(24*time.Hour), 10)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, len(due))
}

func TestScheduleDefaultBucketIsDateOfWhen(t *testing.T) {
	f := newScheduler(t, "work_sampling_prompt")
	ctx := context.Background()
	// Scheduled late on the 14th UTC; the default bucket is that date.
	when := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)

	_, err := f.scheduler.Schedule(ctx, "work_sampling_prompt", nil, when,
		jobs.ScheduleOpts{LogicalID: "work_sampling_prompt:U123:0"})
	testutil.NoError(t, err)

	res, err := f.dedup.Get(ctx, "work_sampling_prompt:U123:0", "2026-03-14")
	testutil.NoError(t, err)
	schedAt, _, err := jobs.ParseSortKey(res.JobSK)
	testutil.NoError(t, err)
	testutil.Equal(t, when, schedAt)
}

func TestScheduleRepairsDanglingReservation(t *testing.T) {
	f := newScheduler(t, "daily_summary")
	ctx := context.Background()

	// A reservation whose insert never happened: the pointer dangles.
	orphanID := uuid.New()
	orphanSK := jobs.JobSortKey(t0.Add(7*time.Hour), orphanID)
	reserved, err := f.dedup.TryReserve(ctx, "daily_summary:U123", "2026-03-14", orphanSK, t0)
	testutil.NoError(t, err)
	testutil.True(t, reserved, "setup reservation")

	res, err := f.scheduler.Schedule(ctx, "daily_summary",
		map[string]string{"user_id": "U123"}, t0.Add(8*time.Hour),
		jobs.ScheduleOpts{LogicalID: "daily_summary:U123", Bucket: "2026-03-14"})
	testutil.NoError(t, err)
	testutil.True(t, res.Deduped, "repair reports the reservation as consumed")

	// The record is rebuilt at the reserved key, not the request's own time,
	// so concurrent repairers converge on one record.
	testutil.Equal(t, orphanSK, res.Job.SortKey())
	testutil.Equal(t, orphanID, res.Job.ID)
	testutil.Equal(t, `{"user_id":"U123"}`, string(res.Job.Payload))

	got, err := f.store.GetBySortKey(ctx, orphanSK)
	testutil.NoError(t, err)
	testutil.Equal(t, jobs.StatusPending, got.Status)
}

func TestScheduleValidatesLogicalIDAndBucket(t *testing.T) {
	f := newScheduler(t, "daily_summary")
	ctx := context.Background()

	_, err := f.scheduler.Schedule(ctx, "daily_summary", nil, t0,
		jobs.ScheduleOpts{LogicalID: "daily summary"})
	testutil.ErrorContains(t, err, "whitespace")

	_, err = f.scheduler.Schedule(ctx, "daily_summary", nil, t0,
		jobs.ScheduleOpts{LogicalID: "daily_summary:U123", Bucket: "today"})
	testutil.ErrorContains(t, err, "not a YYYY-MM-DD date")

	// Nothing was persisted by either rejected call.
	due, err := f.store.QueryDue(ctx, t0.Add(time.Hour), 10)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, len(due))
}

func TestScheduleNormalizesPayload(t *testing.T) {
	f := newScheduler(t, "user_sync")
	ctx := context.Background()

	res, err := f.scheduler.Schedule(ctx, "user_sync", nil, t0, jobs.ScheduleOpts{})
	testutil.NoError(t, err)
	testutil.Equal(t, "{}", string(res.Job.Payload))

	_, err = f.scheduler.Schedule(ctx, "user_sync", []byte(`{"broken`), t0, jobs.ScheduleOpts{})
	testutil.ErrorContains(t, err, "not valid JSON")
}
