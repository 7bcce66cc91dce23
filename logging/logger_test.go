package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"debug": LogLevelDebug, "": LogLevelInfo, "WARN": LogLevelWarn, "error": LogLevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFlowkitLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{
		Level:       LogLevelDebug,
		Format:      "json",
		Output:      &buf,
		CustomAttrs: map[string]any{"runtime": "r1"},
	}).WithComponent("engine").WithRun("t1", "f1")

	l.Info("action.run.start", "action", "/flow/x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "action.run.start", lines[0]["msg"])
	assert.Equal(t, "engine", lines[0]["component"])
	assert.Equal(t, "t1", lines[0]["trace_id"])
	assert.Equal(t, "f1", lines[0]["flow_id"])
	assert.Equal(t, "r1", lines[0]["runtime"])
	assert.Equal(t, "/flow/x", lines[0]["action"])
}

func TestFlowkitLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Output: &buf})
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "w", lines[0]["msg"])
	assert.Equal(t, "e", lines[1]["msg"])
}

func TestOutcomeHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})

	ActionRun(ForRun(l, "t1", ""), "/flow/a", time.Millisecond, nil)
	ToolCall(l, "weather", time.Millisecond, errors.New("timeout"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "action.run.completed", lines[0]["msg"])
	assert.Equal(t, "t1", lines[0]["trace_id"])
	assert.Equal(t, "tool.call.failed", lines[1]["msg"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "timeout", lines[1]["error"])
}

func TestOutcomeHelpersOnPlainLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil)))

	ActionRun(ForRun(l, "t2", ""), "/tool/x", time.Millisecond, errors.New("bad"))
	ModelCall(l, "mock/echo", 12, time.Millisecond, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "action.run.failed", lines[0]["msg"])
	assert.Equal(t, "bad", lines[0]["error"])
	assert.Equal(t, "t2", lines[0]["trace_id"])
	assert.Equal(t, "model.call.completed", lines[1]["msg"])

	ToolCall(nil, "noop", time.Millisecond, nil)
}

func TestScopedLoggerDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Output: &buf})
	_ = base.WithRun("t1", "f1")
	base.Info("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["trace_id"]
	assert.False(t, ok)
}

type recordingLogger struct {
	NoOpLogger
	args [][]any
}

func (r *recordingLogger) Info(_ string, args ...any) { r.args = append(r.args, args) }

func TestScopesOnCustomLogger(t *testing.T) {
	rec := &recordingLogger{}
	l := ForRun(ForComponent(rec, "engine"), "t3", "f3")
	l.Info("x", "k", 1)

	require.Len(t, rec.args, 1)
	assert.Equal(t, []any{"component", "engine", "trace_id", "t3", "flow_id", "f3", "k", 1}, rec.args[0])

	assert.Equal(t, NoOpLogger{}, ForRun(nil, "t", ""))
}

func TestAdapters(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Info("hello", "k", 1)
	assert.Contains(t, buf.String(), `"k":1`)

	assert.Equal(t, NoOpLogger{}, OrNoOp(nil))
	assert.Equal(t, l, OrNoOp(l))
}
