package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// TraceIDKey carries the request trace id through context.
	TraceIDKey contextKey = "trace_id"
	// MeetingIDKey carries the meeting scope through context.
	MeetingIDKey contextKey = "meeting_id"
	// UserIDKey carries the authenticated user through context.
	UserIDKey contextKey = "user_id"
)

// ContextLogger decorates a zap logger with fields pulled from context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns the logger enriched with any trace/meeting/user ids
// present in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []contextKey{TraceIDKey, MeetingIDKey, UserIDKey} {
		if v := ctx.Value(key); v != nil {
			if s, ok := v.(string); ok {
				fields = append(fields, zap.String(string(key), s))
			}
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// WithError returns the logger with the error attached.
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}
