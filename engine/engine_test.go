package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/flowkit/core"
)

func newTestEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()
	r := core.NewRegistry()

	require.NoError(t, r.RegisterAction(core.NewAction("greet", core.ActionTypeFlow,
		func(ctx context.Context, name string) (string, error) {
			return "Hello, " + name, nil
		})))

	require.NoError(t, r.RegisterAction(core.NewAction("block", core.ActionTypeFlow,
		func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})))

	require.NoError(t, r.RegisterAction(core.NewAction("fail", core.ActionTypeFlow,
		func(ctx context.Context, _ string) (string, error) {
			return "", core.NewError(core.StatusFailedPrecondition, "nope")
		})))

	require.NoError(t, r.RegisterAction(core.NewStreamingAction("count", core.ActionTypeFlow,
		func(ctx context.Context, n int, cb core.StreamCallback[int]) (int, error) {
			for i := 1; i <= n; i++ {
				if cb != nil {
					if err := cb(ctx, i); err != nil {
						return 0, err
					}
				}
			}
			return n, nil
		})))

	fns := append([]func(o *Options){func(o *Options) {
		o.Registry = r
		o.Metrics = NoopMetrics{}
	}}, optFns...)
	return New(fns...)
}

func TestRun(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Run(context.Background(), "/flow/greet", json.RawMessage(`"Ada"`), RunRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `"Hello, Ada"`, string(res.Result))
	assert.NotEmpty(t, res.Trace.TraceID)
	assert.Empty(t, e.ActiveRuns())
}

func TestRunUnknownAction(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Run(context.Background(), "/flow/missing", nil, RunRequest{})
	assert.Equal(t, core.StatusNotFound, core.StatusOf(err))
}

func TestRunError(t *testing.T) {
	var seen error
	e := newTestEngine(t)
	e.Hooks().On(HookOnError, func(ctx context.Context, hc *HookContext) error {
		seen = hc.Err
		return nil
	})

	_, err := e.Run(context.Background(), "/flow/fail", nil, RunRequest{})
	assert.Equal(t, core.StatusFailedPrecondition, core.StatusOf(err))
	assert.Equal(t, err, seen)
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t)

	started := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), "/flow/block", nil, RunRequest{
			OnStart: func(id string) { started <- id },
		})
		errCh <- err
	}()

	id := <-started
	assert.Eventually(t, func() bool { return len(e.ActiveRuns()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Cancel(id))

	err := <-errCh
	assert.Equal(t, core.StatusCancelled, core.StatusOf(err))
	assert.True(t, IsCancelled(err))
	assert.Empty(t, e.ActiveRuns())

	assert.Equal(t, core.StatusNotFound, core.StatusOf(e.Cancel(id)))
}

func TestCancelRunsSharingTrace(t *testing.T) {
	e := newTestEngine(t)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 0x01},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	parent := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	started := make(chan string, 2)
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Run(parent, "/flow/block", nil, RunRequest{
				OnStart: func(id string) { started <- id },
			})
			errCh <- err
		}()
	}

	first, second := <-started, <-started
	require.Equal(t, sc.TraceID().String(), first)
	require.Equal(t, first, second)
	assert.Equal(t, []string{first}, e.ActiveRuns())

	require.NoError(t, e.Cancel(first))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.Equal(t, core.StatusCancelled, core.StatusOf(err))
		case <-time.After(2 * time.Second):
			t.Fatal("run sharing the trace id was not cancelled")
		}
	}
	assert.Empty(t, e.ActiveRuns())
	assert.Equal(t, core.StatusNotFound, core.StatusOf(e.Cancel(first)))
}

func TestStream(t *testing.T) {
	e := newTestEngine(t)

	id, chunks, done := e.Stream(context.Background(), "/flow/count", json.RawMessage(`3`), RunRequest{})
	assert.NotEmpty(t, id)

	var got []string
	for c := range chunks {
		got = append(got, string(c))
	}
	out := <-done
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.JSONEq(t, `3`, string(out.Result.Result))
}

func TestStreamUnknownAction(t *testing.T) {
	e := newTestEngine(t)
	id, chunks, done := e.Stream(context.Background(), "/flow/nope", nil, RunRequest{})
	assert.Empty(t, id)
	_, open := <-chunks
	assert.False(t, open)
	assert.Equal(t, core.StatusNotFound, core.StatusOf((<-done).Err))
}

func TestConcurrencySlotRespectsContext(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.Config.MaxConcurrentRuns = 1 })

	started := make(chan string, 1)
	go func() {
		_, _ = e.Run(context.Background(), "/flow/block", nil, RunRequest{OnStart: func(id string) { started <- id }})
	}()
	id := <-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx, "/flow/greet", json.RawMessage(`"x"`), RunRequest{})
	assert.Equal(t, core.StatusDeadlineExceeded, core.StatusOf(err))

	require.NoError(t, e.Cancel(id))
}

func TestHooks(t *testing.T) {
	e := newTestEngine(t)
	var order []string
	e.Hooks().On(HookBeforeAction, func(ctx context.Context, hc *HookContext) error {
		order = append(order, "before:"+hc.Name)
		return nil
	})
	e.Hooks().On(HookAfterAction, func(ctx context.Context, hc *HookContext) error {
		order = append(order, "after:"+string(hc.Output.(json.RawMessage)))
		return nil
	})

	_, err := e.Run(context.Background(), "/flow/greet", json.RawMessage(`"B"`), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"before:/flow/greet", `after:"Hello, B"`}, order)

	e.Hooks().On(HookBeforeAction, func(ctx context.Context, hc *HookContext) error {
		return errors.New("denied")
	})
	_, err = e.Run(context.Background(), "/flow/greet", json.RawMessage(`"B"`), RunRequest{})
	assert.Equal(t, core.StatusAborted, core.StatusOf(err))
	assert.ErrorContains(t, err, "denied")
}

func TestNilHookManager(t *testing.T) {
	var m *HookManager
	assert.NoError(t, m.Execute(context.Background(), &HookContext{Type: HookBeforeTool}))
}

func TestOtelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := NewMetricsRecorderWithProvider(mp)
	require.NoError(t, err)

	e := newTestEngine(t, func(o *Options) { o.Metrics = rec })
	_, err = e.Run(context.Background(), "/flow/greet", json.RawMessage(`"x"`), RunRequest{})
	require.NoError(t, err)
	_, _ = e.Run(context.Background(), "/flow/fail", nil, RunRequest{})
	rec.RecordModelUsage(context.Background(), "mock/echo", 3, 4)
	rec.RecordFlowStep(context.Background(), "f", "s", true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["flowkit.action.runs"])
	assert.Equal(t, int64(1), sums["flowkit.action.errors"])
	assert.Equal(t, int64(7), sums["flowkit.model.tokens"])
	assert.Equal(t, int64(1), sums["flowkit.flow.steps"])
}
