package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// LogProvider writes messages to the process log instead of delivering them.
// It is the development default and the fallback of last resort.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, to, text string) (*SendResult, error) {
	id := fmt.Sprintf("log-%s", uuid.NewString())
	p.logger.Info("chat message", "to", to, "text", text, "message_id", id)
	return &SendResult{MessageID: id, Status: "logged"}, nil
}
