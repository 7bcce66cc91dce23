package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type greetIn struct {
	Name string `json:"name"`
}

type greetOut struct {
	Greeting string `json:"greeting"`
}

func setupTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exp
}

func newGreet(calls *int) *ActionDef[greetIn, greetOut, struct{}] {
	return NewAction("greet", ActionTypeFlow, func(ctx context.Context, in greetIn) (greetOut, error) {
		*calls++
		return greetOut{Greeting: "hello " + in.Name}, nil
	}, WithDescription("says hello"))
}

func TestKeyRoundTrip(t *testing.T) {
	key := Key(ActionTypeTool, "weather")
	assert.Equal(t, "/tool/weather", key)

	typ, name, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, ActionTypeTool, typ)
	assert.Equal(t, "weather", name)

	_, _, err = ParseKey("tool/weather")
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	_, _, err = ParseKey("/flow")
	assert.Error(t, err)
}

func TestActionDesc(t *testing.T) {
	calls := 0
	a := newGreet(&calls)

	desc := a.Desc()
	assert.Equal(t, "/flow/greet", desc.Key)
	assert.Equal(t, "says hello", desc.Description)
	assert.Equal(t, []string{"name"}, desc.InputSchema["required"])
	assert.Nil(t, desc.StreamSchema)
}

func TestRunJSON(t *testing.T) {
	exp := setupTracing(t)
	calls := 0
	a := newGreet(&calls)

	var seen TraceInfo
	res, err := a.RunJSON(context.Background(), json.RawMessage(`{"name":"ada"}`), &RunOptions{
		OnTrace:         func(ti TraceInfo) { seen = ti },
		TelemetryLabels: map[string]string{"env": "test"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(res.Result))
	assert.NotEmpty(t, res.Trace.TraceID)
	assert.Equal(t, seen, res.Trace)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "action", attrs[AttrType])
	assert.Equal(t, "flow", attrs[AttrSubtype])
	assert.Equal(t, "greet", attrs[AttrName])
	assert.Equal(t, "success", attrs[AttrState])
	assert.Equal(t, "test", attrs[AttrLabelPrefix+"env"])
	assert.Equal(t, "true", attrs[AttrIsRoot])
}

func TestRunJSONRejectsInvalidInput(t *testing.T) {
	calls := 0
	a := newGreet(&calls)

	_, err := a.RunJSON(context.Background(), json.RawMessage(`{"name":42}`), nil)
	require.Error(t, err)
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	assert.Zero(t, calls)

	_, err = a.RunJSON(context.Background(), json.RawMessage(`{}`), nil)
	assert.Equal(t, StatusInvalidArgument, StatusOf(err))
	assert.Zero(t, calls)
}

func TestRunJSONErrorCarriesTraceID(t *testing.T) {
	setupTracing(t)
	boom := errors.New("boom")
	a := NewAction("fail", ActionTypeFlow, func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, boom
	})

	_, err := a.RunJSON(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	fe := AsError(err)
	assert.Equal(t, StatusInternal, fe.Status)
	assert.NotEmpty(t, fe.Details["traceId"])
}

func TestRunJSONRecoversPanic(t *testing.T) {
	a := NewAction("panic", ActionTypeFlow, func(ctx context.Context, in struct{}) (struct{}, error) {
		panic("oops")
	})
	_, err := a.RunJSON(context.Background(), nil, nil)
	assert.Equal(t, StatusInternal, StatusOf(err))
}

func TestStreamingAction(t *testing.T) {
	a := NewStreamingAction("count", ActionTypeFlow, func(ctx context.Context, n int, cb StreamCallback[int]) (int, error) {
		for i := 1; i <= n; i++ {
			if cb != nil {
				if err := cb(ctx, i); err != nil {
					return 0, err
				}
			}
		}
		return n, nil
	})
	assert.Equal(t, map[string]any{"type": "integer"}, a.Desc().StreamSchema)

	var chunks []string
	res, err := a.RunJSON(context.Background(), json.RawMessage(`3`), &RunOptions{
		OnChunk: func(ctx context.Context, chunk json.RawMessage) error {
			chunks = append(chunks, string(chunk))
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, chunks)
	assert.Equal(t, "3", string(res.Result))
}

func TestBidiActionReadsInputStream(t *testing.T) {
	a := NewBidiAction("echo", ActionTypeFlow, func(ctx context.Context, _ struct{}, cb StreamCallback[string]) (int, error) {
		n := 0
		for raw := range InputStreamFrom(ctx) {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return n, err
			}
			n++
			if err := cb(ctx, s+"!"); err != nil {
				return n, err
			}
		}
		return n, nil
	})
	assert.Equal(t, true, a.Desc().Metadata["bidi"])

	in := make(chan json.RawMessage, 2)
	in <- json.RawMessage(`"a"`)
	in <- json.RawMessage(`"b"`)
	close(in)

	var chunks []string
	res, err := a.RunJSON(context.Background(), nil, &RunOptions{
		InputStream: in,
		OnChunk: func(ctx context.Context, chunk json.RawMessage) error {
			chunks = append(chunks, string(chunk))
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`"a!"`, `"b!"`}, chunks)
	assert.Equal(t, "2", string(res.Result))
}

func TestNestedActionsShareTrace(t *testing.T) {
	exp := setupTracing(t)
	inner := NewAction("inner", ActionTypeTool, func(ctx context.Context, in string) (string, error) {
		return in + "!", nil
	})
	outer := NewAction("outer", ActionTypeFlow, func(ctx context.Context, in string) (string, error) {
		return inner.Run(ctx, in, nil)
	})

	_, err := outer.Run(context.Background(), "x", nil)
	require.NoError(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext.TraceID(), spans[1].SpanContext.TraceID())
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestActionContextPropagates(t *testing.T) {
	a := NewAction("ctx", ActionTypeFlow, func(ctx context.Context, _ struct{}) (string, error) {
		return ActionContextFrom(ctx).String("user"), nil
	})
	res, err := a.RunJSON(context.Background(), nil, &RunOptions{Context: ActionContext{"user": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, `"ada"`, string(res.Result))
}
