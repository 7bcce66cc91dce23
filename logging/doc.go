// Package logging provides a minimal logging interface and adapters for flowkit.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, flows, tools and the reflection servers use. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - FlowkitLogger with component, trace and flow context plus domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	fk := flowkit.New(func(o *flowkit.Options) { o.Logger = logger })
//
// Arguments after the message are slog key/value pairs; event names use a
// dotted style such as "tool.call.start" or "reflection.v2.connect".
package logging
