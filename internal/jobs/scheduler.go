package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/clock"
)

// ScheduleOpts carries the optional deduplication parameters for Schedule.
type ScheduleOpts struct {
	// LogicalID enables at-most-once scheduling: only the first Schedule
	// call per (LogicalID, Bucket) inserts a record. Empty disables dedup.
	LogicalID string
	// Bucket scopes the LogicalID reservation, normally a calendar date.
	// Defaults to the UTC date of the scheduled time.
	Bucket string
}

// ScheduleResult reports what Schedule did for one request.
type ScheduleResult struct {
	// Job is the record covering this logical job: the freshly inserted one,
	// or the previously reserved one when Deduped.
	Job *Job
	// Deduped is true when an earlier reservation already covered this
	// logical job and no new record was written.
	Deduped bool
}

// Scheduler is the write side of the queue: it creates pending job records,
// deduplicating logical jobs per bucket. Request handlers, planners and the
// CLI all schedule through it.
type Scheduler struct {
	store    *Store
	dedup    *DedupIndex
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store *Store, dedup *DedupIndex, registry *Registry, clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, dedup: dedup, registry: registry, clock: clk, logger: logger}
}

// Schedule writes a pending record for execution at or after `when`. The job
// type must have a registered handler; scheduling work nothing can run is a
// caller bug surfaced immediately rather than a dead-letter record later.
//
// With a LogicalID the insert is guarded by the deduplication index: the
// first caller per (logical_id, bucket) wins the reservation and inserts,
// every later caller gets Deduped=true plus the record the reservation
// points at.
func (s *Scheduler) Schedule(ctx context.Context, jobType string, payload any, when time.Time, opts ScheduleOpts) (*ScheduleResult, error) {
	if jobType == "" {
		return nil, errors.New("job type must not be empty")
	}
	if _, ok := s.registry.Handler(jobType); !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	// Time-ordered IDs; the sort key already orders records, but ordered IDs
	// keep ties between same-microsecond jobs stable.
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	now := s.clock.Now()
	job := &Job{
		ID:           id,
		Type:         jobType,
		Payload:      raw,
		ScheduledFor: when.UTC(),
		Status:       StatusPending,
		CreatedAt:    now,
	}

	if opts.LogicalID == "" {
		if err := s.store.Insert(ctx, job); err != nil {
			return nil, err
		}
		s.logger.Info("job scheduled",
			"job_id", job.ID, "job_type", jobType, "scheduled_for", job.ScheduledFor)
		return &ScheduleResult{Job: job}, nil
	}

	if err := validateLogicalID(opts.LogicalID); err != nil {
		return nil, err
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = Bucket(job.ScheduledFor, time.UTC)
	} else if !ValidBucket(bucket) {
		return nil, fmt.Errorf("bucket %q is not a YYYY-MM-DD date", bucket)
	}

	reserved, err := s.dedup.TryReserve(ctx, opts.LogicalID, bucket, job.SortKey(), now)
	if err != nil {
		return nil, fmt.Errorf("reserve %s/%s: %w", opts.LogicalID, bucket, err)
	}
	if !reserved {
		return s.resolveReserved(ctx, job, opts.LogicalID, bucket)
	}

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job scheduled",
		"job_id", job.ID, "job_type", jobType, "scheduled_for", job.ScheduledFor,
		"logical_id", opts.LogicalID, "bucket", bucket)
	return &ScheduleResult{Job: job}, nil
}

// resolveReserved handles the already_reserved outcome. Normally the
// reservation points at a live record and the request is simply a duplicate.
// If the reserving process crashed between reservation and insert, the
// pointer dangles; the record is rebuilt at the reserved key from this
// request's payload, which describes the same logical work. Rebuilding at
// the reserved key keeps concurrent repairers convergent.
func (s *Scheduler) resolveReserved(ctx context.Context, job *Job, logicalID, bucket string) (*ScheduleResult, error) {
	res, err := s.dedup.Get(ctx, logicalID, bucket)
	if err != nil {
		return nil, fmt.Errorf("read reservation %s/%s: %w", logicalID, bucket, err)
	}

	existing, err := s.store.GetBySortKey(ctx, res.JobSK)
	if err == nil {
		return &ScheduleResult{Job: existing, Deduped: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	scheduledFor, id, err := ParseSortKey(res.JobSK)
	if err != nil {
		return nil, fmt.Errorf("reservation %s/%s: %w", logicalID, bucket, err)
	}
	repaired := &Job{
		ID:           id,
		Type:         job.Type,
		Payload:      job.Payload,
		ScheduledFor: scheduledFor,
		Status:       StatusPending,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.Insert(ctx, repaired); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Another repairer won; read its record back.
			existing, gerr := s.store.GetBySortKey(ctx, res.JobSK)
			if gerr != nil {
				return nil, gerr
			}
			return &ScheduleResult{Job: existing, Deduped: true}, nil
		}
		return nil, err
	}
	s.logger.Warn("repaired dangling dedup reservation",
		"logical_id", logicalID, "bucket", bucket, "job_id", id, "job_type", job.Type)
	return &ScheduleResult{Job: repaired, Deduped: true}, nil
}

// validateLogicalID rejects IDs that cannot serve as stable dedup keys.
func validateLogicalID(id string) error {
	if id == "" {
		return errors.New("logical id must not be empty")
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("logical id %q must not contain whitespace", id)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("raw payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
