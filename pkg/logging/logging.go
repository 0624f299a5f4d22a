// Package logging defines the leveled structured logger used across hypergrid and
// adapters for zap, logrus and log/slog.
package logging

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around the logging stack in use.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, Fields) {}
func (Nop) Info(string, Fields)  {}
func (Nop) Warn(string, Fields)  {}
func (Nop) Error(string, Fields) {}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}

	return l
}

// Zap adapts a zap logger.
type Zap struct{ L *zap.Logger }

// NewZap wraps l.
func NewZap(l *zap.Logger) Zap { return Zap{L: l} }

func (z Zap) Debug(msg string, f Fields) { z.L.Debug(msg, zapFields(f)...) }
func (z Zap) Info(msg string, f Fields)  { z.L.Info(msg, zapFields(f)...) }
func (z Zap) Warn(msg string, f Fields)  { z.L.Warn(msg, zapFields(f)...) }
func (z Zap) Error(msg string, f Fields) { z.L.Error(msg, zapFields(f)...) }

func zapFields(f Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}

	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))

			continue
		}

		out = append(out, zap.Any(k, v))
	}

	return out
}

// Logrus adapts a logrus entry.
type Logrus struct{ E *logrus.Entry }

// NewLogrus wraps e.
func NewLogrus(e *logrus.Entry) Logrus { return Logrus{E: e} }

func (l Logrus) Debug(msg string, f Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logrus) Info(msg string, f Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logrus) Warn(msg string, f Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logrus) Error(msg string, f Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }

// Slog adapts a log/slog logger.
type Slog struct{ L *slog.Logger }

// NewSlog wraps l.
func NewSlog(l *slog.Logger) Slog { return Slog{L: l} }

func (s Slog) Debug(msg string, f Fields) { s.log(slog.LevelDebug, msg, f) }
func (s Slog) Info(msg string, f Fields)  { s.log(slog.LevelInfo, msg, f) }
func (s Slog) Warn(msg string, f Fields)  { s.log(slog.LevelWarn, msg, f) }
func (s Slog) Error(msg string, f Fields) { s.log(slog.LevelError, msg, f) }

func (s Slog) log(level slog.Level, msg string, f Fields) {
	attrs := make([]slog.Attr, 0, len(f))
	for k, v := range f {
		attrs = append(attrs, slog.Any(k, v))
	}

	s.L.LogAttrs(context.Background(), level, msg, attrs...)
}
