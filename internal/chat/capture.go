package chat

import (
	"context"
	"fmt"
	"sync"
)

// CaptureClient records messages for use in tests.
type CaptureClient struct {
	mu    sync.Mutex
	Calls []CaptureCall
}

// CaptureCall records a single SendMessage invocation.
type CaptureCall struct {
	UserID string
	Text   string
}

func (c *CaptureClient) SendMessage(_ context.Context, userID, text string) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, CaptureCall{UserID: userID, Text: text})
	return &SendResult{
		MessageID: fmt.Sprintf("captured-%d", len(c.Calls)),
		Status:    "captured",
	}, nil
}

// Last returns the most recent captured call, or nil when none were made.
func (c *CaptureClient) Last() *CaptureCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Calls) == 0 {
		return nil
	}
	call := c.Calls[len(c.Calls)-1]
	return &call
}

// Sent returns a copy of all captured calls.
func (c *CaptureClient) Sent() []CaptureCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CaptureCall(nil), c.Calls...)
}

// Reset clears all recorded calls.
func (c *CaptureClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
}
