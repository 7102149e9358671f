package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		t.Setenv("LOG_LEVEL", in)
		assert.Equal(t, want, LogLevel(), "LOG_LEVEL=%q", in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", slog.LevelInfo)
	WithWorkflowID(WithRunID(logger, "run-1"), "wf-1").Info("run closed", "status", "completed")
	logger.Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run closed", line["msg"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "wf-1", line["workflow_id"])
	assert.Equal(t, "completed", line["status"])
}

func TestNewLogger_Text(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	NewLogger(&buf, "text", slog.LevelInfo)
	slog.Info("hello", "node_id", "a")

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "node_id=a")
}
