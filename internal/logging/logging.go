package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

// Levels holds the minimum level per output.
type Levels struct {
	Console slog.Level
	File    slog.Level
}

func DefaultLevels() Levels {
	return Levels{Console: slog.LevelInfo, File: slog.LevelDebug}
}

// ParseLevel accepts debug, info, warn and error. An empty string yields def.
func ParseLevel(s string, def slog.Level) (slog.Level, error) {
	if s == "" {
		return def, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return def, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New fans records out to a JSON handler on file and a text handler on
// console. Console output goes to stderr in the CLI so stdout stays
// machine-readable.
func New(file, console io.Writer, levels Levels) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: levels.File,
	})
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{
		Level: levels.Console,
	})
	return slog.New(&multiHandler{
		handlers: []slog.Handler{jsonHandler, consoleHandler},
	})
}

func NewLogger(filename string, levels Levels) (*slog.Logger, *os.File, error) {
	file, err := os.OpenFile(
		filename,
		os.O_CREATE|os.O_APPEND|os.O_WRONLY,
		0o640,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return New(file, os.Stderr, levels), file, nil
}
