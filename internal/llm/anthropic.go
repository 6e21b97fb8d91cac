package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-3-5-haiku"

	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

// AnthropicConfig configures the hosted completion client.
type AnthropicConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// AnthropicClient calls an Anthropic-style messages endpoint.
type AnthropicClient struct {
	model     string
	apiKey    string
	maxTokens int
	client    *resty.Client
}

// NewAnthropicClient creates a completion client. The API key is required;
// everything else falls back to defaults.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})

	return &AnthropicClient{
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
		client:    client,
	}, nil
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	request := map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", c.apiKey).
		SetHeader("anthropic-version", apiVersion).
		SetBody(request).
		SetResult(&result).
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("llm: call completion endpoint: %w", err)
	}

	if response.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm: endpoint returned %d: %s", response.StatusCode(), response.String())
	}
	if len(result.Content) == 0 {
		return "", errors.New("llm: empty completion")
	}

	return result.Content[0].Text, nil
}
