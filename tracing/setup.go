package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupOptions configures Setup.
type SetupOptions struct {
	Exporter *Exporter
	// Dev exports every span synchronously so traces are visible as soon
	// as an action returns.
	Dev bool
	// Global installs the provider as the otel global tracer provider.
	Global bool
}

// Setup builds a tracer provider around the exporter and returns it with
// a shutdown func that flushes pending spans.
func Setup(_ context.Context, opts SetupOptions) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if opts.Exporter == nil {
		return nil, nil, errors.New("tracing: setup requires an exporter")
	}
	var proc sdktrace.SpanProcessor
	if opts.Dev {
		proc = sdktrace.NewSimpleSpanProcessor(opts.Exporter)
	} else {
		proc = sdktrace.NewBatchSpanProcessor(opts.Exporter)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(proc))
	if opts.Global {
		otel.SetTracerProvider(tp)
	}
	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}
	return tp, shutdown, nil
}
