package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/table"
)

var (
	// ErrNotFound is returned when no record matches the requested job.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned by Insert when a record with the same
	// sort key is already present.
	ErrAlreadyExists = errors.New("job record already exists")

	// ErrLostRace is returned by Claim when the record's claim condition no
	// longer holds, meaning another worker got there first.
	ErrLostRace = errors.New("job claim lost race")

	// ErrLeaseLost is returned by lease-guarded updates when the caller no
	// longer owns the record's lock.
	ErrLeaseLost = errors.New("job lease lost")
)

// storeAttempts bounds the in-process retry of transient table errors.
// Condition failures and context cancellation are never retried.
const storeAttempts = 3

// Store handles job-record operations against the shared table. Every
// mutation is a conditional write; a failed condition surfaces as one of the
// sentinel errors above rather than as a store failure.
type Store struct {
	tbl    table.Client
	logger *slog.Logger
}

// NewStore creates a new job Store.
func NewStore(tbl table.Client, logger *slog.Logger) *Store {
	return &Store{tbl: tbl, logger: logger}
}

// withRetry runs fn, retrying transient table errors with jittered backoff.
// An operation that partially applied before a retry is safe: every write is
// conditional, so the second application either no-ops or reports a condition
// failure that the caller already treats as a benign lost race.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= storeAttempts {
			return err
		}
		s.logger.Warn("table operation failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ComputeBackoff(attempt)):
		}
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, table.ErrConditionFailed),
		errors.Is(err, table.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Insert writes a brand-new record, conditional on the key not existing.
// The sort key embeds a fresh job ID, so a collision indicates a bug in the
// caller rather than a lost race.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	it := job.item()
	err := s.withRetry(ctx, "insert", func() error {
		return s.tbl.Put(ctx, it, table.IfAbsent())
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, it.SK)
	}
	return err
}

// QueryDue returns claimable records with scheduled_for <= now, oldest first.
// The key range bounds the scan; status and lock eligibility are checked in
// memory because the table can only filter on keys. Corrupt records are
// logged and skipped so one bad row cannot wedge the queue.
func (s *Store) QueryDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var items []table.Item
	err := s.withRetry(ctx, "query_due", func() error {
		var qerr error
		items, qerr = s.tbl.Query(ctx, table.Query{
			PK:         PartitionJobs,
			SKMax:      dueUpperBound(now),
			Limit:      limit,
			Consistent: true,
		})
		return qerr
	})
	if err != nil {
		return nil, err
	}

	due := make([]Job, 0, len(items))
	for _, it := range items {
		j, err := jobFromItem(it)
		if err != nil {
			s.logger.Warn("skipping corrupt job record", "sk", it.SK, "error", err)
			continue
		}
		if !claimable(j, now) {
			continue
		}
		due = append(due, *j)
	}
	return due, nil
}

// claimable mirrors the Claim condition: a record is eligible when it is
// pending, or in_progress with an expired lock (its worker died mid-job).
func claimable(j *Job, now time.Time) bool {
	if j.Status != StatusPending && j.Status != StatusInProgress {
		return false
	}
	return j.LockExpiresAt == nil || j.LockExpiresAt.Before(now)
}

// claimCond is the conditional-write form of claimable.
func claimCond(now time.Time) *table.Cond {
	return table.And(
		table.Or(
			table.Eq("status", string(StatusPending)),
			table.Eq("status", string(StatusInProgress)),
		),
		table.Or(
			table.IfNotSet("lock_expires_at"),
			table.Lt("lock_expires_at", table.FormatTime(now)),
		),
	)
}

// Claim attempts to take ownership of a record for execution. The update
// re-checks eligibility on the record itself, so workers racing for the same
// job resolve to exactly one owner. On success the returned copy carries the
// incremented attempt count and the new lock.
func (s *Store) Claim(ctx context.Context, job *Job, workerID string, now time.Time, lease time.Duration) (*Job, error) {
	expires := now.Add(lease)
	set := map[string]any{
		"status":          string(StatusInProgress),
		"locked_by":       workerID,
		"lock_expires_at": table.FormatTime(expires),
		"attempts":        int64(job.Attempts + 1),
	}
	err := s.withRetry(ctx, "claim", func() error {
		return s.tbl.Update(ctx, PartitionJobs, job.SortKey(), set, nil, claimCond(now))
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return nil, ErrLostRace
	}
	if err != nil {
		return nil, err
	}

	claimed := *job
	claimed.Status = StatusInProgress
	claimed.Attempts = job.Attempts + 1
	claimed.LockedBy = &workerID
	claimed.LockExpiresAt = &expires
	return &claimed, nil
}

// RenewLease pushes the lock expiry forward for a job this worker still owns.
func (s *Store) RenewLease(ctx context.Context, job *Job, workerID string, now time.Time, lease time.Duration) error {
	cond := table.And(
		table.Eq("status", string(StatusInProgress)),
		table.Eq("locked_by", workerID),
	)
	set := map[string]any{"lock_expires_at": table.FormatTime(now.Add(lease))}
	err := s.withRetry(ctx, "renew_lease", func() error {
		return s.tbl.Update(ctx, PartitionJobs, job.SortKey(), set, nil, cond)
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return ErrLeaseLost
	}
	return err
}

// MarkCompleted finalizes a successful run and releases the lock.
func (s *Store) MarkCompleted(ctx context.Context, job *Job, workerID string, now time.Time) error {
	set := map[string]any{
		"status":       string(StatusCompleted),
		"completed_at": table.FormatTime(now),
	}
	err := s.withRetry(ctx, "mark_completed", func() error {
		return s.tbl.Update(ctx, PartitionJobs, job.SortKey(), set,
			[]string{"locked_by", "lock_expires_at"}, table.Eq("locked_by", workerID))
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return ErrLeaseLost
	}
	return err
}

// MarkFailedForRetry finalizes a failed run by rotating the record: the
// current record is marked failed and pointed at its replacement, then a
// fresh pending record is inserted under the deferred time. Marking the old
// record first means a crash between the two writes parks the job in failed,
// where RetryNow can revive it, instead of ever running it twice.
func (s *Store) MarkFailedForRetry(ctx context.Context, job *Job, workerID string, now, nextRun time.Time, jobErr string) (*Job, error) {
	next := *job
	next.ScheduledFor = nextRun
	next.Status = StatusPending
	next.LockedBy = nil
	next.LockExpiresAt = nil
	next.LastError = &jobErr
	next.CreatedAt = now
	nextSK := next.SortKey()

	set := map[string]any{
		"status":        string(StatusFailed),
		"last_error":    jobErr,
		"superseded_by": nextSK,
	}
	err := s.withRetry(ctx, "mark_failed", func() error {
		return s.tbl.Update(ctx, PartitionJobs, job.SortKey(), set,
			[]string{"locked_by", "lock_expires_at"}, table.Eq("locked_by", workerID))
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "insert_retry", func() error {
		return s.tbl.Put(ctx, next.item(), table.IfAbsent())
	})
	// Existing means an earlier ambiguous write already landed; same outcome.
	if err != nil && !errors.Is(err, table.ErrConditionFailed) {
		return nil, fmt.Errorf("insert retry record: %w", err)
	}
	return &next, nil
}

// MarkDeadLetter finalizes a job whose attempts are exhausted or whose
// failure is permanent. Dead-letter records are never dispatched again.
func (s *Store) MarkDeadLetter(ctx context.Context, job *Job, workerID string, now time.Time, jobErr string) error {
	set := map[string]any{
		"status":       string(StatusDeadLetter),
		"last_error":   jobErr,
		"completed_at": table.FormatTime(now),
	}
	err := s.withRetry(ctx, "mark_dead_letter", func() error {
		return s.tbl.Update(ctx, PartitionJobs, job.SortKey(), set,
			[]string{"locked_by", "lock_expires_at"}, table.Eq("locked_by", workerID))
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return ErrLeaseLost
	}
	return err
}

// GetBySortKey returns the record stored under one exact sort key.
func (s *Store) GetBySortKey(ctx context.Context, sk string) (*Job, error) {
	var it *table.Item
	err := s.withRetry(ctx, "get", func() error {
		var gerr error
		it, gerr = s.tbl.Get(ctx, PartitionJobs, sk)
		return gerr
	})
	if errors.Is(err, table.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sk)
	}
	if err != nil {
		return nil, err
	}
	return jobFromItem(*it)
}

// Find returns every record sharing the given job ID, oldest first. A job
// that went through retry deferrals has one record per scheduled run. The
// partition is small enough that the admin paths can afford the scan.
func (s *Store) Find(ctx context.Context, id uuid.UUID) ([]Job, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	var records []Job
	for _, j := range all {
		if j.ID == id {
			records = append(records, j)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return records, nil
}

// List returns records filtered by status and type, newest scheduled first.
func (s *Store) List(ctx context.Context, status, jobType string, limit int) ([]Job, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	result := []Job{}
	for i := len(all) - 1; i >= 0; i-- {
		j := all[i]
		if status != "" && j.Status != Status(status) {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		result = append(result, j)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats aggregates record counts by status across the job partition.
func (s *Store) Stats(ctx context.Context, now time.Time) (*QueueStats, error) {
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var stats QueueStats
	for i := range all {
		j := &all[i]
		switch j.Status {
		case StatusPending:
			stats.Pending++
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDeadLetter:
			stats.DeadLetter++
		case StatusCancelled:
			stats.Cancelled++
		}
		if claimable(j, now) && !j.ScheduledFor.After(now) && stats.OldestAge == nil {
			age := now.Sub(j.ScheduledFor).Seconds()
			stats.OldestAge = &age
		}
	}
	return &stats, nil
}

// Cancel marks a pending record cancelled so it is never claimed. Running
// jobs keep their lease; terminal records are left alone.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error) {
	records, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range records {
		j := records[i]
		if j.Status != StatusPending {
			continue
		}
		set := map[string]any{
			"status":       string(StatusCancelled),
			"completed_at": table.FormatTime(now),
		}
		err := s.withRetry(ctx, "cancel", func() error {
			return s.tbl.Update(ctx, PartitionJobs, j.SortKey(), set, nil,
				table.Eq("status", string(StatusPending)))
		})
		if errors.Is(err, table.ErrConditionFailed) {
			return nil, fmt.Errorf("job %s is no longer pending", id)
		}
		if err != nil {
			return nil, err
		}
		j.Status = StatusCancelled
		j.CompletedAt = &now
		return &j, nil
	}
	return nil, fmt.Errorf("job %s has no pending record", id)
}

// RetryNow revives a parked failed record by inserting a fresh pending record
// scheduled immediately. Only failed records without a successor qualify;
// anything else already ran again or will on its own.
func (s *Store) RetryNow(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error) {
	records, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	var parked *Job
	for i := range records {
		j := &records[i]
		if j.Status == StatusFailed && j.SupersededBy == nil {
			parked = j
		}
	}
	if parked == nil {
		return nil, fmt.Errorf("job %s has no parked failed record", id)
	}

	next := *parked
	next.ScheduledFor = now
	next.Status = StatusPending
	next.CreatedAt = now
	nextSK := next.SortKey()

	cond := table.And(
		table.Eq("status", string(StatusFailed)),
		table.IfNotSet("superseded_by"),
	)
	err = s.withRetry(ctx, "retry_now", func() error {
		return s.tbl.Update(ctx, PartitionJobs, parked.SortKey(),
			map[string]any{"superseded_by": nextSK}, nil, cond)
	})
	if errors.Is(err, table.ErrConditionFailed) {
		return nil, fmt.Errorf("job %s was already revived", id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.Insert(ctx, &next); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}
	return &next, nil
}

// DeleteOlderThan removes finished records scheduled before the cutoff. The
// per-record delete re-checks status, so a record revived between scan and
// delete survives the sweep. Returns the number of records removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var items []table.Item
	err := s.withRetry(ctx, "scan_old", func() error {
		var qerr error
		items, qerr = s.tbl.Query(ctx, table.Query{
			PK:    PartitionJobs,
			SKMax: dueUpperBound(cutoff),
		})
		return qerr
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, it := range items {
		j, err := jobFromItem(it)
		if err != nil {
			s.logger.Warn("skipping corrupt job record", "sk", it.SK, "error", err)
			continue
		}
		if !j.Status.Terminal() && j.Status != StatusFailed {
			continue
		}
		err = s.withRetry(ctx, "delete_old", func() error {
			return s.tbl.Delete(ctx, PartitionJobs, j.SortKey(),
				table.Eq("status", string(j.Status)))
		})
		if errors.Is(err, table.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// scan reads the whole job partition in sort-key order.
func (s *Store) scan(ctx context.Context) ([]Job, error) {
	var items []table.Item
	err := s.withRetry(ctx, "scan", func() error {
		var qerr error
		items, qerr = s.tbl.Query(ctx, table.Query{PK: PartitionJobs})
		return qerr
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(items))
	for _, it := range items {
		j, err := jobFromItem(it)
		if err != nil {
			s.logger.Warn("skipping corrupt job record", "sk", it.SK, "error", err)
			continue
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}
