package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/companionmemory/compmem/internal/config"
)

// newLogger creates a logger that writes to stderr and optionally to a log
// file. The file receives all levels (DEBUG+) while stderr uses the
// configured level. Returns the logger and a closer for the log file.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var lvlVar slog.LevelVar
	lvlVar.Set(parseSlogLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: &lvlVar}

	var stderrHandler slog.Handler
	if cfg.Format == "json" {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.File == "" {
		return slog.New(stderrHandler), func() {}
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Warn("could not open log file, logging to stderr only", "path", cfg.File, "error", err)
		return logger, func() {}
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := &multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}}
	return slog.New(handler), func() { f.Close() }
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
