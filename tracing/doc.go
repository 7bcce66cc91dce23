// Package tracing collects the spans opened by actions and keeps them as
// traces for developer tools.
//
// Exporter is an OpenTelemetry span exporter that groups spans by trace
// and writes them to a TraceStore or posts them to a telemetry server.
// Server exposes a TraceStore over HTTP. Setup installs a tracer provider
// wired to an Exporter.
package tracing
