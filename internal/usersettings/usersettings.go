// Package usersettings stores per-user delivery preferences: IANA timezone
// for the planners and the chat channel coordinates for delivery. One item
// per user in the shared table.
package usersettings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companionmemory/compmem/internal/table"
)

const (
	userPrefix  = "user#"
	sortKeyItem = "settings"
)

// ErrNotFound is returned by Get when the user has no settings item.
var ErrNotFound = errors.New("usersettings: not found")

// Settings is one user's stored preferences. Zero fields mean "unset"; the
// accessors apply defaults.
type Settings struct {
	UserID      string    `json:"userId"`
	Timezone    string    `json:"timezone,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	Email       string    `json:"email,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Location resolves the stored timezone, falling back to UTC when it is
// unset or unknown.
func (s *Settings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Store reads and writes settings items.
type Store struct {
	tbl table.Client
}

// NewStore builds a Store over tbl.
func NewStore(tbl table.Client) *Store {
	return &Store{tbl: tbl}
}

// Get loads userID's settings. Returns ErrNotFound when none are stored.
func (s *Store) Get(ctx context.Context, userID string) (*Settings, error) {
	item, err := s.tbl.Get(ctx, userPrefix+userID, sortKeyItem)
	if errors.Is(err, table.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings for %s: %w", userID, err)
	}

	out := &Settings{UserID: userID}
	if v, ok := item.Attrs["timezone"].(string); ok {
		out.Timezone = v
	}
	if v, ok := item.Attrs["channel"].(string); ok {
		out.Channel = v
	}
	if v, ok := item.Attrs["phone_number"].(string); ok {
		out.PhoneNumber = v
	}
	if v, ok := item.Attrs["email"].(string); ok {
		out.Email = v
	}
	if v, ok := item.Attrs["updated_at"].(string); ok {
		if t, err := table.ParseTime(v); err == nil {
			out.UpdatedAt = t
		}
	}
	return out, nil
}

// Put stores settings for settings.UserID, replacing any previous item.
func (s *Store) Put(ctx context.Context, settings *Settings) error {
	if settings.UserID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", settings.Timezone)
		}
	}

	attrs := map[string]any{
		"updated_at": table.FormatTime(settings.UpdatedAt),
	}
	if settings.Timezone != "" {
		attrs["timezone"] = settings.Timezone
	}
	if settings.Channel != "" {
		attrs["channel"] = settings.Channel
	}
	if settings.PhoneNumber != "" {
		attrs["phone_number"] = settings.PhoneNumber
	}
	if settings.Email != "" {
		attrs["email"] = settings.Email
	}

	item := table.Item{PK: userPrefix + settings.UserID, SK: sortKeyItem, Attrs: attrs}
	if err := s.tbl.Put(ctx, item, nil); err != nil {
		return fmt.Errorf("writing settings for %s: %w", settings.UserID, err)
	}
	return nil
}

// Timezone returns the user's location, treating a missing settings item the
// same as an unset timezone.
func (s *Store) Timezone(ctx context.Context, userID string) (*time.Location, error) {
	settings, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return time.UTC, nil
	}
	if err != nil {
		return nil, err
	}
	return settings.Location(), nil
}
