// Package table provides a minimal wide-column store client over pluggable
// backends. Items are addressed by a partition key and a sort key and carry a
// flat attribute map; every mutation is a conditional single-item write so
// independent processes can coordinate through compare-and-set alone.
//
// Attribute values are restricted to string and int64. Richer data (payloads,
// instance metadata) is stored as JSON-encoded strings by the caller, and
// timestamps are stored with FormatTime so that lexicographic comparison of
// the encoded form matches chronological comparison in every backend.
package table

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no item exists at the given key.
	ErrNotFound = errors.New("table: item not found")

	// ErrConditionFailed is returned when a conditional write's precondition
	// does not hold. Callers treat this as a lost race, not a failure.
	ErrConditionFailed = errors.New("table: condition failed")
)

// Item is a single row: partition key, sort key, and attributes.
type Item struct {
	PK    string
	SK    string
	Attrs map[string]any
}

// Query describes an ascending range scan within one partition.
// Bounds are inclusive; empty bounds are unbounded. Limit of 0 means no limit.
type Query struct {
	PK         string
	SKMin      string
	SKMax      string
	Limit      int
	Consistent bool
}

// Client is the backend-neutral store interface.
//
// Update and Delete evaluate their condition against the current item; a
// missing item fails the condition. Put with a nil condition replaces
// unconditionally.
type Client interface {
	Get(ctx context.Context, pk, sk string) (*Item, error)
	Put(ctx context.Context, item Item, cond *Cond) error
	Update(ctx context.Context, pk, sk string, set map[string]any, remove []string, cond *Cond) error
	Delete(ctx context.Context, pk, sk string, cond *Cond) error
	Query(ctx context.Context, q Query) ([]Item, error)
	Close() error
}

// timeLayout is fixed-width RFC 3339 with microseconds in UTC. Fixed width is
// what makes string order equal time order inside sort keys and conditions.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime encodes t for storage in sort keys and attributes.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime decodes a timestamp produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
