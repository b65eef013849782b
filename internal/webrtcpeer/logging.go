package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays hidden
// unless a handler explicitly enables it.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory adapts a slog logger to pion's logging interface. Each
// pion scope becomes a "scope" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return loggerFactory{log: logger}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

var _ logging.LeveledLogger = leveledLogger{}

func (l leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string) { l.logf(levelTrace, "%s", msg) }
func (l leveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l leveledLogger) Debug(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l leveledLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l leveledLogger) Info(msg string) { l.logf(slog.LevelInfo, "%s", msg) }
func (l leveledLogger) Infof(format string, args ...any) { l.logf(slog.LevelInfo, format, args...) }
func (l leveledLogger) Warn(msg string) { l.logf(slog.LevelWarn, "%s", msg) }
func (l leveledLogger) Warnf(format string, args ...any) { l.logf(slog.LevelWarn, format, args...) }
func (l leveledLogger) Error(msg string) { l.logf(slog.LevelError, "%s", msg) }
func (l leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
