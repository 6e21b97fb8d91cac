package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/table"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a record in this status will never be dispatched
// again. failed is not terminal: a failed record normally points at its
// pending replacement, and a parked one can be revived with RetryNow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether v names a known job status.
func ValidStatus(v string) bool {
	switch Status(v) {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusFailed, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// PartitionJobs is the partition key shared by all job records.
const PartitionJobs = "job"

const sortKeyPrefix = "scheduled#"

// Job represents one record in the job partition. A logical job can leave
// several records behind over its life: every retry deferral marks the
// current record failed and inserts a fresh pending record that shares the
// job ID but sorts under the deferred time.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledFor  time.Time       `json:"scheduledFor"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	LockedBy      *string         `json:"lockedBy,omitempty"`
	LockExpiresAt *time.Time      `json:"lockExpiresAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	SupersededBy  *string         `json:"supersededBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"` // set when the record reaches a terminal status
}

// SortKey returns the record's sort key within the job partition.
func (j *Job) SortKey() string {
	return JobSortKey(j.ScheduledFor, j.ID)
}

// JobSortKey builds the sort key for a job scheduled at t. The fixed-width
// timestamp makes lexicographic order equal chronological order, which is
// what the due-scan's key range relies on.
func JobSortKey(t time.Time, id uuid.UUID) string {
	return sortKeyPrefix + table.FormatTime(t) + "#" + id.String()
}

// ParseSortKey splits a job sort key back into scheduled time and job ID.
func ParseSortKey(sk string) (time.Time, uuid.UUID, error) {
	parts := strings.Split(sk, "#")
	if len(parts) != 3 || parts[0]+"#" != sortKeyPrefix {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed job sort key %q", sk)
	}
	t, err := table.ParseTime(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed job sort key %q: %w", sk, err)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed job sort key %q: %w", sk, err)
	}
	return t, id, nil
}

// dueUpperBound is the inclusive sort-key bound covering every record
// scheduled at or before t. '~' sorts after every hex digit, so records
// scheduled exactly at t are admitted regardless of their job ID.
func dueUpperBound(t time.Time) string {
	return sortKeyPrefix + table.FormatTime(t) + "#~"
}

// item flattens the job into table attributes. Timestamps use the fixed-width
// format so conditional comparisons work lexicographically.
func (j *Job) item() table.Item {
	attrs := map[string]any{
		"job_id":        j.ID.String(),
		"job_type":      j.Type,
		"payload":       string(j.Payload),
		"scheduled_for": table.FormatTime(j.ScheduledFor),
		"status":        string(j.Status),
		"attempts":      int64(j.Attempts),
		"created_at":    table.FormatTime(j.CreatedAt),
	}
	if j.LockedBy != nil {
		attrs["locked_by"] = *j.LockedBy
	}
	if j.LockExpiresAt != nil {
		attrs["lock_expires_at"] = table.FormatTime(*j.LockExpiresAt)
	}
	if j.LastError != nil {
		attrs["last_error"] = *j.LastError
	}
	if j.SupersededBy != nil {
		attrs["superseded_by"] = *j.SupersededBy
	}
	if j.CompletedAt != nil {
		attrs["completed_at"] = table.FormatTime(*j.CompletedAt)
	}
	return table.Item{PK: PartitionJobs, SK: j.SortKey(), Attrs: attrs}
}

func jobFromItem(it table.Item) (*Job, error) {
	get := func(key string) (string, bool) {
		v, ok := it.Attrs[key].(string)
		return v, ok
	}

	idStr, ok := get("job_id")
	if !ok {
		return nil, fmt.Errorf("record %s: missing job_id", it.SK)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("record %s: bad job_id: %w", it.SK, err)
	}
	jobType, ok := get("job_type")
	if !ok {
		return nil, fmt.Errorf("record %s: missing job_type", it.SK)
	}
	statusStr, ok := get("status")
	if !ok || !ValidStatus(statusStr) {
		return nil, fmt.Errorf("record %s: bad status %q", it.SK, statusStr)
	}
	schedStr, ok := get("scheduled_for")
	if !ok {
		return nil, fmt.Errorf("record %s: missing scheduled_for", it.SK)
	}
	scheduledFor, err := table.ParseTime(schedStr)
	if err != nil {
		return nil, fmt.Errorf("record %s: bad scheduled_for: %w", it.SK, err)
	}
	createdStr, ok := get("created_at")
	if !ok {
		return nil, fmt.Errorf("record %s: missing created_at", it.SK)
	}
	createdAt, err := table.ParseTime(createdStr)
	if err != nil {
		return nil, fmt.Errorf("record %s: bad created_at: %w", it.SK, err)
	}
	attempts, _ := it.Attrs["attempts"].(int64)

	j := Job{
		ID:           id,
		Type:         jobType,
		Status:       Status(statusStr),
		ScheduledFor: scheduledFor,
		Attempts:     int(attempts),
		CreatedAt:    createdAt,
	}
	if v, ok := get("payload"); ok {
		j.Payload = json.RawMessage(v)
	}
	if v, ok := get("locked_by"); ok {
		j.LockedBy = &v
	}
	if v, ok := get("lock_expires_at"); ok {
		t, err := table.ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad lock_expires_at: %w", it.SK, err)
		}
		j.LockExpiresAt = &t
	}
	if v, ok := get("last_error"); ok {
		j.LastError = &v
	}
	if v, ok := get("superseded_by"); ok {
		j.SupersededBy = &v
	}
	if v, ok := get("completed_at"); ok {
		t, err := table.ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad completed_at: %w", it.SK, err)
		}
		j.CompletedAt = &t
	}
	return &j, nil
}

// QueueStats holds aggregate record counts by status.
type QueueStats struct {
	Pending    int      `json:"pending"`
	InProgress int      `json:"inProgress"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	DeadLetter int      `json:"deadLetter"`
	Cancelled  int      `json:"cancelled"`
	OldestAge  *float64 `json:"oldestDueAgeSec,omitempty"` // seconds past due of the oldest claimable record
}
