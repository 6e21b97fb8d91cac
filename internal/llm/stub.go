package llm

import (
	"context"
	"sync"
)

// Stub is a canned Client for development and tests. It records every prompt
// and returns a fixed response.
type Stub struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

// NewStub creates a Stub that answers every prompt with response.
func NewStub(response string) *Stub {
	if response == "" {
		response = "This is a canned completion."
	}
	return &Stub{response: response}
}

// Fail makes every subsequent Complete call return err.
func (s *Stub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Stub) Complete(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.prompts = append(s.prompts, prompt)
	return s.response, nil
}

// Prompts returns a copy of all prompts seen so far.
func (s *Stub) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
