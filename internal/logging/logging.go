// Package logging adapts log/slog to the es.Logger interface used across stagecoord.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/getpup/pupsourcing/es"
)

// Logger is an es.Logger backed by slog.
type Logger struct {
	l *slog.Logger
}

var _ es.Logger = (*Logger)(nil)

// ParseLevel converts debug, info, warn or error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New returns a text logger writing records at or above level to w.
func New(w io.Writer, level slog.Level) *Logger {
	return &Logger{l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewJSON returns a JSON logger writing records at or above level to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return &Logger{l: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l: l.l.With(args...)}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.l.DebugContext(ctx, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.l.InfoContext(ctx, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.l.ErrorContext(ctx, msg, args...)
}
