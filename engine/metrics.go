package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hupe1980/flowkit/core"
)

const meterName = "github.com/hupe1980/flowkit"

// MetricsRecorder records runtime metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordActionRun records one action run with its duration and outcome.
	RecordActionRun(ctx context.Context, key string, duration time.Duration, err error)

	// RecordModelUsage records token usage of one model turn.
	RecordModelUsage(ctx context.Context, model string, inputTokens, outputTokens int)

	// RecordFlowStep records a flow step, replayed reports whether the
	// result came from the durable state instead of running the step.
	RecordFlowStep(ctx context.Context, flow, step string, replayed bool)
}

type otelMetrics struct {
	actionRuns    metric.Int64Counter
	actionErrors  metric.Int64Counter
	actionLatency metric.Float64Histogram
	modelTokens   metric.Int64Counter
	flowSteps     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter(meterName)

	actionRuns, err := meter.Int64Counter("flowkit.action.runs",
		metric.WithDescription("Number of action runs"),
	)
	if err != nil {
		return nil, err
	}

	actionErrors, err := meter.Int64Counter("flowkit.action.errors",
		metric.WithDescription("Number of failed action runs"),
	)
	if err != nil {
		return nil, err
	}

	actionLatency, err := meter.Float64Histogram("flowkit.action.latency_ms",
		metric.WithDescription("Action run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	modelTokens, err := meter.Int64Counter("flowkit.model.tokens",
		metric.WithDescription("Tokens consumed by model calls"),
	)
	if err != nil {
		return nil, err
	}

	flowSteps, err := meter.Int64Counter("flowkit.flow.steps",
		metric.WithDescription("Number of flow steps, split by replayed"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		actionRuns:    actionRuns,
		actionErrors:  actionErrors,
		actionLatency: actionLatency,
		modelTokens:   modelTokens,
		flowSteps:     flowSteps,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel
// meter provider. If metrics initialization fails, returns a no-op recorder.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithProvider builds a recorder on an explicit provider.
func NewMetricsRecorderWithProvider(mp metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(mp)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordActionRun(ctx context.Context, key string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("action", key),
		attribute.String("status", string(core.StatusOf(err))),
	)
	m.actionRuns.Add(ctx, 1, attrs)
	m.actionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.actionErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordModelUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	m.modelTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(
		attribute.String("model", model), attribute.String("kind", "input")))
	m.modelTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(
		attribute.String("model", model), attribute.String("kind", "output")))
}

func (m *otelMetrics) RecordFlowStep(ctx context.Context, flow, step string, replayed bool) {
	m.flowSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("step", step),
		attribute.Bool("replayed", replayed),
	))
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

// RecordActionRun implements MetricsRecorder.
func (NoopMetrics) RecordActionRun(context.Context, string, time.Duration, error) {}

// RecordModelUsage implements MetricsRecorder.
func (NoopMetrics) RecordModelUsage(context.Context, string, int, int) {}

// RecordFlowStep implements MetricsRecorder.
func (NoopMetrics) RecordFlowStep(context.Context, string, string, bool) {}
