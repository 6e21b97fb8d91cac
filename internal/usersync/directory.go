package usersync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultDirectoryTimeout = 10 * time.Second

// Profile is the slice of a directory record the sync cares about.
type Profile struct {
	UserID   string
	Timezone string
}

// Directory looks up user profiles in the org directory.
type Directory interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

// DirectoryConfig configures the HTTP directory client.
type DirectoryConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// HTTPDirectory fetches profiles from a REST directory endpoint.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory creates a directory client for cfg.BaseURL.
func NewHTTPDirectory(cfg DirectoryConfig) (*HTTPDirectory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("directory: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDirectoryTimeout
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPDirectory{client: client}, nil
}

type profileResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	User  struct {
		ID       string `json:"id"`
		Timezone string `json:"tz"`
	} `json:"user"`
}

// Profile fetches userID's directory record.
func (d *HTTPDirectory) Profile(ctx context.Context, userID string) (*Profile, error) {
	var result profileResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/users/" + url.PathEscape(userID))
	if err != nil {
		return nil, fmt.Errorf("directory: fetch profile: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("directory: endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.OK {
		reason := result.Error
		if reason == "" {
			reason = "unknown error"
		}
		return nil, fmt.Errorf("directory: lookup %s failed: %s", userID, reason)
	}
	return &Profile{UserID: result.User.ID, Timezone: result.User.Timezone}, nil
}
