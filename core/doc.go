// Package core provides the foundational types every other package builds on:
//
//   - Actions: typed, schema-described, traced units of work addressed by a
//     key such as "/flow/summarize" or "/tool/getWeather"
//   - Registry: the concurrency-safe lookup of actions, values and plugins
//   - Content and Parts: the role-based message model shared by models,
//     tools, sessions and agents
//   - Error and Status: canonical error classification used across the
//     reflection API and the trace store
//   - ActionContext: request-scoped values propagated through context.Context
//
// Every action run opens an OpenTelemetry span. Nested runs (flow steps, tool
// calls, model calls) become child spans of the same trace, which is what the
// local trace store and the developer tooling display.
package core
