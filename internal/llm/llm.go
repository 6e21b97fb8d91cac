// Package llm provides the text-completion port used by summary generation,
// with an Anthropic-backed implementation and a canned stub for development.
package llm

import "context"

// Client generates a completion for a prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
