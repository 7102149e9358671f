// Package telemetry sets up structured logging for the server and the CLI.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel reads LOG_LEVEL (DEBUG, INFO, WARN, ERROR). Defaults to INFO.
func LogLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs the default logger writing to stdout.
//
// LOG_FORMAT selects the handler:
//   - "json" (default): JSON lines
//   - "text": human-readable key=value output
func SetupLogger() *slog.Logger {
	return NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), LogLevel())
}

// NewLogger builds a logger and makes it the default.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// WithRunID returns a logger annotated with run_id.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithWorkflowID returns a logger annotated with workflow_id.
func WithWorkflowID(logger *slog.Logger, workflowID string) *slog.Logger {
	return logger.With("workflow_id", workflowID)
}
