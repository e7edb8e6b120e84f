// Package observability provides zap-backed structured logging.
package observability

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger builds a JSON production logger at the given level.
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: l}, nil
}

// NewLogger wraps an existing zap.Logger.
func NewLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *ZapLogger {
	return &ZapLogger{l: zap.NewNop()}
}

// Named returns a child logger scoped to a component.
func (z *ZapLogger) Named(name string) *ZapLogger {
	if z == nil || z.l == nil {
		return NewNopLogger()
	}
	return &ZapLogger{l: z.l.Named(name)}
}

// Zap exposes the underlying logger.
func (z *ZapLogger) Zap() *zap.Logger {
	if z == nil || z.l == nil {
		return zap.NewNop()
	}
	return z.l
}

// Debug logs a debug message.
func (z *ZapLogger) Debug(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Debug(msg, toFields(fields)...)
}

// Info logs an info message.
func (z *ZapLogger) Info(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Info(msg, toFields(fields)...)
}

// Error logs an error message.
func (z *ZapLogger) Error(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Error(msg, toFields(fields)...)
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	if z == nil || z.l == nil {
		return nil
	}
	return z.l.Sync()
}

func toFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		value := fields[key]
		if err, ok := value.(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, value))
	}
	return out
}
