package biovault

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with biovault-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithUser adds a user ID field to the logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("user_id", userID),
	}
}

// LogEnroll logs an enrollment operation.
func (l *Logger) LogEnroll(userID, templateID string, bootstrap bool, err error) {
	if err != nil {
		l.Error("enrollment failed",
			"user_id", userID,
			"error", err,
		)
	} else {
		l.Debug("enrollment completed",
			"user_id", userID,
			"template_id", templateID,
			"bootstrap", bootstrap,
		)
	}
}

// LogVerify logs a verification operation.
func (l *Logger) LogVerify(userID string, matches int, fused float64, err error) {
	if err != nil {
		l.Error("verification failed",
			"user_id", userID,
			"error", err,
		)
	} else {
		l.Debug("verification completed",
			"user_id", userID,
			"matches", matches,
			"fused_score", fused,
		)
	}
}

// LogLockout logs a lockout transition.
func (l *Logger) LogLockout(userID string, event string, attempts int) {
	l.Warn("lockout transition",
		"user_id", userID,
		"event", event,
		"failed_attempts", attempts,
	)
}

// LogRepair logs a load-time repair of a user's template references.
func (l *Logger) LogRepair(userID string, dropped, adopted int) {
	l.Warn("repaired template references",
		"user_id", userID,
		"dropped", dropped,
		"adopted", adopted,
	)
}

// LogBackup logs a backup operation.
func (l *Logger) LogBackup(archive string, err error) {
	if err != nil {
		l.Error("backup failed",
			"error", err,
		)
	} else {
		l.Info("backup completed",
			"archive", archive,
		)
	}
}
