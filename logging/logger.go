package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string (debug, info, warn, error) to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger defines the minimal logging interface for flowkit.
// This allows users to provide their own logger implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// FlowkitLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It should be cheap to copy via With* methods.
type FlowkitLogger struct {
	logger    *slog.Logger
	level     LogLevel
	context   map[string]any
	component string
	traceID   string
	flowID    string
}

var _ Logger = (*FlowkitLogger)(nil)

// LoggerConfig configures construction of a FlowkitLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// NewLogger builds a FlowkitLogger from a config. A nil config logs JSON at
// info level to stderr.
func NewLogger(cfg *LoggerConfig) *FlowkitLogger {
	if cfg == nil {
		cfg = &LoggerConfig{Level: LogLevelInfo, Format: "json"}
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	l := &FlowkitLogger{logger: slog.New(handler), level: cfg.Level, context: map[string]any{}, component: cfg.Component}
	for k, v := range cfg.CustomAttrs {
		l.context[k] = v
	}
	return l
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *FlowkitLogger) clone() *FlowkitLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithComponent sets the logical component (engine, reflection, flow, etc.).
func (l *FlowkitLogger) WithComponent(c string) *FlowkitLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithRun attaches trace and durable flow identifiers.
func (l *FlowkitLogger) WithRun(traceID, flowID string) *FlowkitLogger {
	nl := l.clone()
	nl.traceID = traceID
	nl.flowID = flowID
	return nl
}

func (l *FlowkitLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", l.traceID))
	}
	if l.flowID != "" {
		attrs = append(attrs, slog.String("flow_id", l.flowID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *FlowkitLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(l.buildAttrs()...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// Debug logs at debug level. args are slog key/value pairs.
func (l *FlowkitLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *FlowkitLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *FlowkitLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *FlowkitLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// ForComponent returns l scoped to a logical component (engine,
// reflection, flow). Loggers other than *FlowkitLogger get a "component"
// attribute on every entry.
func ForComponent(l Logger, component string) Logger {
	if fl, ok := l.(*FlowkitLogger); ok {
		return fl.WithComponent(component)
	}
	return withAttrs(l, "component", component)
}

// ForRun returns l scoped to one run. Empty ids are left out.
func ForRun(l Logger, traceID, flowID string) Logger {
	if fl, ok := l.(*FlowkitLogger); ok {
		return fl.WithRun(traceID, flowID)
	}
	var args []any
	if traceID != "" {
		args = append(args, "trace_id", traceID)
	}
	if flowID != "" {
		args = append(args, "flow_id", flowID)
	}
	return withAttrs(l, args...)
}

// attrLogger prefixes every entry with fixed attributes.
type attrLogger struct {
	next  Logger
	attrs []any
}

func withAttrs(l Logger, args ...any) Logger {
	l = OrNoOp(l)
	if len(args) == 0 {
		return l
	}
	if _, ok := l.(NoOpLogger); ok {
		return l
	}
	if sa, ok := l.(*SlogAdapter); ok {
		return &SlogAdapter{Logger: sa.With(args...)}
	}
	if al, ok := l.(*attrLogger); ok {
		return &attrLogger{next: al.next, attrs: append(append([]any{}, al.attrs...), args...)}
	}
	return &attrLogger{next: l, attrs: args}
}

func (a *attrLogger) join(args []any) []any {
	return append(append(make([]any, 0, len(a.attrs)+len(args)), a.attrs...), args...)
}

func (a *attrLogger) Debug(msg string, args ...any) { a.next.Debug(msg, a.join(args)...) }
func (a *attrLogger) Info(msg string, args ...any)  { a.next.Info(msg, a.join(args)...) }
func (a *attrLogger) Warn(msg string, args ...any)  { a.next.Warn(msg, a.join(args)...) }
func (a *attrLogger) Error(msg string, args ...any) { a.next.Error(msg, a.join(args)...) }

// ActionRun logs the outcome of an action run. Scope l with ForRun to
// carry the trace id.
func ActionRun(l Logger, key string, dur time.Duration, err error) {
	logOutcome(l, "action.run.completed", "action.run.failed", err,
		"action", key, "duration", dur)
}

// ToolCall logs the outcome of a tool invocation.
func ToolCall(l Logger, tool string, dur time.Duration, err error) {
	logOutcome(l, "tool.call.completed", "tool.call.failed", err,
		"tool_name", tool, "duration", dur, "success", err == nil)
}

// ModelCall logs model call latency, token usage and success.
func ModelCall(l Logger, model string, tokens int, dur time.Duration, err error) {
	logOutcome(l, "model.call.completed", "model.call.failed", err,
		"model", model, "token_count", tokens, "duration", dur, "success", err == nil)
}

// FlowExecution logs aggregate flow run metrics.
func FlowExecution(l Logger, flow string, steps int, dur time.Duration, err error) {
	logOutcome(l, "flow.run.completed", "flow.run.failed", err,
		"flow", flow, "step_count", steps, "duration", dur, "success", err == nil)
}

func logOutcome(l Logger, okMsg, failMsg string, err error, args ...any) {
	l = OrNoOp(l)
	if err != nil {
		l.Error(failMsg, append(args, "error", err.Error())...)
		return
	}
	l.Info(okMsg, args...)
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
