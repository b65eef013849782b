package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// parseLogging resolves the log format and level. Empty values take the
// mode's default: JSON at info in prod, text at debug in dev.
func parseLogging(mode Mode, formatStr, levelStr string) (LogFormat, slog.Level, error) {
	if strings.TrimSpace(formatStr) == "" {
		formatStr = string(LogFormatText)
		if mode == ModeProd {
			formatStr = string(LogFormatJSON)
		}
	}
	if strings.TrimSpace(levelStr) == "" {
		levelStr = "debug"
		if mode == ModeProd {
			levelStr = "info"
		}
	}
	format, err := parseLogFormat(formatStr)
	if err != nil {
		return "", 0, err
	}
	level, err := parseLogLevel(levelStr)
	if err != nil {
		return "", 0, err
	}
	return format, level, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case LogFormatText, LogFormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg.LogFormat, cfg.LogLevel)
}

// NewPeerLogger builds the peer command's logger.
func NewPeerLogger(cfg PeerConfig) (*slog.Logger, error) {
	return newLogger(cfg.LogFormat, cfg.LogLevel)
}

// newLogger writes to stdout.
func newLogger(format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return nil, fmt.Errorf("unsupported log format %q", format)
}
