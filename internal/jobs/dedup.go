package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companionmemory/compmem/internal/table"
)

const dedupPrefix = "dedup#"

// reservationTTL is written as an expires_at hint for store-side TTL sweeps.
// The queue itself never deletes reservations; a consumed bucket simply ages
// out. Generous relative to the one-day buckets it guards.
const reservationTTL = 14 * 24 * time.Hour

// Reservation is one row of the deduplication index: proof that a logical
// job has already been scheduled for a bucket, with a pointer to the record
// it produced.
type Reservation struct {
	LogicalID  string
	Bucket     string
	JobSK      string
	ReservedAt time.Time
}

// DedupIndex guards at-most-once scheduling per (logical_id, bucket).
type DedupIndex struct {
	tbl table.Client
}

// NewDedupIndex creates a DedupIndex over the shared table.
func NewDedupIndex(tbl table.Client) *DedupIndex {
	return &DedupIndex{tbl: tbl}
}

// TryReserve writes the (logical_id, bucket) marker, conditional on absence.
// Returns false when the marker already exists, meaning some process has
// already scheduled this logical job for this bucket.
func (d *DedupIndex) TryReserve(ctx context.Context, logicalID, bucket, jobSK string, now time.Time) (bool, error) {
	it := table.Item{
		PK: dedupPrefix + logicalID,
		SK: bucket,
		Attrs: map[string]any{
			"job_pk":      PartitionJobs,
			"job_sk":      jobSK,
			"reserved_at": table.FormatTime(now),
			"expires_at":  table.FormatTime(now.Add(reservationTTL)),
		},
	}
	err := d.tbl.Put(ctx, it, table.IfAbsent())
	if errors.Is(err, table.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the existing reservation for (logical_id, bucket).
func (d *DedupIndex) Get(ctx context.Context, logicalID, bucket string) (*Reservation, error) {
	it, err := d.tbl.Get(ctx, dedupPrefix+logicalID, bucket)
	if err != nil {
		return nil, err
	}
	jobSK, ok := it.Attrs["job_sk"].(string)
	if !ok {
		return nil, fmt.Errorf("reservation %s/%s: missing job_sk", logicalID, bucket)
	}
	res := &Reservation{LogicalID: logicalID, Bucket: bucket, JobSK: jobSK}
	if v, ok := it.Attrs["reserved_at"].(string); ok {
		if t, err := table.ParseTime(v); err == nil {
			res.ReservedAt = t
		}
	}
	return res, nil
}

// Bucket formats t's calendar date in loc as a deduplication bucket.
func Bucket(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// ValidBucket reports whether v is a well-formed bucket date.
func ValidBucket(v string) bool {
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}
