package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/companionmemory/compmem/internal/usersettings"
)

// SettingsSource looks up a user's delivery preferences.
// *usersettings.Store satisfies it.
type SettingsSource interface {
	Get(ctx context.Context, userID string) (*usersettings.Settings, error)
}

// Router implements Client by picking each user's configured channel and
// resolving the channel-specific address from their settings. Users without
// settings fall back to the default channel, addressed by user id.
type Router struct {
	settings SettingsSource
	provider map[string]Provider
	fallback string
	logger   *slog.Logger
}

// NewRouter creates a Router. providers maps channel names to their
// implementations; fallback names the channel used when a user has no
// preference and must have a provider.
func NewRouter(settings SettingsSource, providers map[string]Provider, fallback string, logger *slog.Logger) (*Router, error) {
	if _, ok := providers[fallback]; !ok {
		return nil, fmt.Errorf("fallback channel %q has no configured provider", fallback)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		settings: settings,
		provider: providers,
		fallback: fallback,
		logger:   logger,
	}, nil
}

func (r *Router) SendMessage(ctx context.Context, userID, text string) (*SendResult, error) {
	if userID == "" {
		return nil, errors.New("user id must not be empty")
	}

	channel := r.fallback
	var settings *usersettings.Settings
	s, err := r.settings.Get(ctx, userID)
	switch {
	case errors.Is(err, usersettings.ErrNotFound):
		// No settings yet; deliver on the fallback channel.
	case err != nil:
		return nil, fmt.Errorf("load settings for %s: %w", userID, err)
	default:
		settings = s
		if s.Channel != "" {
			channel = s.Channel
		}
	}

	provider, ok := r.provider[channel]
	if !ok {
		return nil, fmt.Errorf("user %s prefers channel %q but no provider is configured for it", userID, channel)
	}

	to, err := resolveAddress(channel, userID, settings)
	if err != nil {
		return nil, err
	}

	result, err := provider.Send(ctx, to, text)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s via %s: %w", userID, channel, err)
	}

	r.logger.Debug("chat message delivered",
		"user_id", userID,
		"channel", channel,
		"message_id", result.MessageID,
		"status", result.Status)
	return result, nil
}

// resolveAddress maps a channel to the address its provider expects. Log and
// webhook providers address users by id; sns and mail need contact details
// from settings.
func resolveAddress(channel, userID string, settings *usersettings.Settings) (string, error) {
	switch channel {
	case ChannelSNS:
		if settings == nil || settings.PhoneNumber == "" {
			return "", fmt.Errorf("user %s has no phone number on file", userID)
		}
		return settings.PhoneNumber, nil
	case ChannelMail:
		if settings == nil || settings.Email == "" {
			return "", fmt.Errorf("user %s has no email address on file", userID)
		}
		return settings.Email, nil
	default:
		return userID, nil
	}
}
