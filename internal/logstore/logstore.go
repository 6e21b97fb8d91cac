// Package logstore persists the short activity log lines users submit during
// the day. Entries live in the shared table under the user's partition with a
// time-ordered sort key, so a summary window is one ascending range query.
package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/companionmemory/compmem/internal/table"
)

const (
	userPrefix   = "user#"
	logKeyPrefix = "log#"
)

// Entry is one logged activity line.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Store reads and writes activity log entries in the shared table.
type Store struct {
	tbl    table.Client
	logger *slog.Logger
}

// NewStore builds a Store over tbl.
func NewStore(tbl table.Client, logger *slog.Logger) *Store {
	return &Store{tbl: tbl, logger: logger}
}

// Append writes one log line for userID at the given instant.
func (s *Store) Append(ctx context.Context, userID, text string, at time.Time) (*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("log text must not be empty")
	}
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("generate log id: %w", err)
	}

	e := &Entry{ID: id, UserID: userID, Timestamp: at.UTC(), Text: text}
	item := table.Item{
		PK:    userPrefix + userID,
		SK:    entrySortKey(e.Timestamp, e.ID),
		Attrs: map[string]any{"text": text},
	}
	if err := s.tbl.Put(ctx, item, nil); err != nil {
		return nil, fmt.Errorf("writing log entry: %w", err)
	}
	return e, nil
}

// Fetch returns userID's entries with from <= timestamp < to, ascending.
// The upper bound is exclusive because every real key carries an ID suffix
// that sorts past the bare `log#<to>` bound.
func (s *Store) Fetch(ctx context.Context, userID string, from, to time.Time) ([]Entry, error) {
	if !to.After(from) {
		return nil, nil
	}
	items, err := s.tbl.Query(ctx, table.Query{
		PK:    userPrefix + userID,
		SKMin: logKeyPrefix + table.FormatTime(from),
		SKMax: logKeyPrefix + table.FormatTime(to),
	})
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		e, err := entryFromItem(userID, item)
		if err != nil {
			s.logger.Warn("skipping unreadable log entry", "sk", item.SK, "error", err)
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func entrySortKey(at time.Time, id uuid.UUID) string {
	return logKeyPrefix + table.FormatTime(at) + "#" + id.String()
}

func entryFromItem(userID string, item table.Item) (*Entry, error) {
	parts := strings.Split(item.SK, "#")
	if len(parts) != 3 || parts[0]+"#" != logKeyPrefix {
		return nil, fmt.Errorf("malformed log sort key %q", item.SK)
	}
	at, err := table.ParseTime(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed log sort key %q: %w", item.SK, err)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed log sort key %q: %w", item.SK, err)
	}
	text, _ := item.Attrs["text"].(string)
	return &Entry{ID: id, UserID: userID, Timestamp: at, Text: text}, nil
}
