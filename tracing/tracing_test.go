package tracing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/flowkit/core"
)

func newTrace(id string, start float64, name string, failed bool) *TraceData {
	code := StatusCodeOK
	if failed {
		code = StatusCodeError
	}
	return &TraceData{
		TraceID: id,
		Spans: map[string]*SpanData{
			id + "-root": {
				SpanID: id + "-root", TraceID: id, DisplayName: name,
				StartTime: start, EndTime: start + 100,
				Attributes: map[string]any{core.AttrType: "action"},
				Status:     SpanStatus{Code: code},
			},
		},
	}
}

func runTraceStoreTests(t *testing.T, store TraceStore) {
	ctx := context.Background()

	t.Run("MergeSpans", func(t *testing.T) {
		root := newTrace("m1", 1000, "root", false)
		require.NoError(t, store.Save(ctx, root))
		child := &TraceData{TraceID: "m1", Spans: map[string]*SpanData{
			"child": {SpanID: "child", TraceID: "m1", ParentSpanID: "m1-root", DisplayName: "step", StartTime: 1010, EndTime: 1300},
		}}
		require.NoError(t, store.Save(ctx, child))

		got, err := store.Load(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, got.Spans, 2)
		assert.Equal(t, "root", got.DisplayName)
		assert.Equal(t, 1000.0, got.StartTime)
		assert.Equal(t, 1300.0, got.EndTime)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrTraceNotFound)
	})

	t.Run("ListPagesAndFilters", func(t *testing.T) {
		for i, id := range []string{"p1", "p2", "p3"} {
			require.NoError(t, store.Save(ctx, newTrace(id, float64(5000+i*10), "page", id == "p2")))
		}

		first, err := store.List(ctx, Query{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first.Traces, 2)
		assert.Equal(t, "p3", first.Traces[0].TraceID)
		assert.Equal(t, "p2", first.Traces[1].TraceID)
		require.NotEmpty(t, first.ContinuationToken)

		next, err := store.List(ctx, Query{Limit: 2, ContinuationToken: first.ContinuationToken})
		require.NoError(t, err)
		require.NotEmpty(t, next.Traces)
		assert.Equal(t, "p1", next.Traces[0].TraceID)

		failed, err := store.List(ctx, Query{Filter: `status == "error"`})
		require.NoError(t, err)
		require.Len(t, failed.Traces, 1)
		assert.Equal(t, "p2", failed.Traces[0].TraceID)
		assert.Empty(t, failed.ContinuationToken)

		_, err = store.List(ctx, Query{Filter: "status =="})
		assert.Equal(t, core.StatusInvalidArgument, core.StatusOf(err))
		_, err = store.List(ctx, Query{ContinuationToken: "x"})
		assert.Equal(t, core.StatusInvalidArgument, core.StatusOf(err))
	})
}

func TestMemoryTraceStore(t *testing.T) {
	runTraceStoreTests(t, NewMemoryTraceStore())
}

func TestSQLiteTraceStore(t *testing.T) {
	s, err := OpenSQLiteTraceStore(filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runTraceStoreTests(t, s)
}

func TestFilter(t *testing.T) {
	tr := newTrace("f1", 0, "myFlow", false)

	tests := []struct {
		expr string
		want bool
	}{
		{`displayName == "myFlow"`, true},
		{`durationMs >= 100 && spanCount == 1`, true},
		{`attributes["flowkit:type"] == "action"`, true},
		{`status == "error"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			require.NoError(t, err)
			ok, err := f.Match(tr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	f, err := CompileFilter("")
	require.NoError(t, err)
	ok, err := f.Match(tr)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = CompileFilter(`durationMs + "x"`)
	assert.Error(t, err)
}

func TestExporterWritesStore(t *testing.T) {
	store := NewMemoryTraceStore()
	exp := NewExporter(func(o *ExporterOptions) { o.Store = store })
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tracer := tp.Tracer(core.TracerName)
	ctx, root := tracer.Start(context.Background(), "myFlow")
	root.SetAttributes(attribute.String(core.AttrType, "action"))
	_, child := tracer.Start(ctx, "step")
	child.SetStatus(codes.Error, "boom")
	child.AddEvent("retry")
	child.End()
	root.End()

	traceID := root.SpanContext().TraceID().String()
	got, err := store.Load(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, got.Spans, 2)
	assert.Equal(t, "myFlow", got.DisplayName)
	assert.Equal(t, "error", got.Status())

	c := got.Spans[child.SpanContext().SpanID().String()]
	require.NotNil(t, c)
	assert.Equal(t, root.SpanContext().SpanID().String(), c.ParentSpanID)
	assert.Equal(t, "boom", c.Status.Message)
	assert.Equal(t, "INTERNAL", c.SpanKind)
	assert.Equal(t, core.TracerName, c.InstrumentationScope.Name)
	require.Len(t, c.Events, 1)
	assert.Equal(t, "retry", c.Events[0].Name)

	r := got.Spans[root.SpanContext().SpanID().String()]
	assert.Equal(t, "action", r.Attributes[core.AttrType])
}

func TestExporterPostsToServer(t *testing.T) {
	remote := NewMemoryTraceStore()
	srv := httptest.NewServer(NewServer(remote, nil).Handler())
	t.Cleanup(srv.Close)

	exp := NewExporter()
	exp.SetTelemetryServerURL(srv.URL)
	assert.Equal(t, srv.URL, exp.TelemetryServerURL())

	spans := tracetest.SpanStubs{
		{Name: "posted", StartTime: time.Unix(10, 0), EndTime: time.Unix(11, 0)},
	}.Snapshots()
	require.NoError(t, exp.ExportSpans(context.Background(), spans))

	res, err := remote.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, res.Traces, 1)
	assert.Equal(t, "posted", res.Traces[0].DisplayName)
	assert.Equal(t, 1000.0, res.Traces[0].DurationMs())

	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.ExportSpans(context.Background(), spans))
}

func TestServerRoutes(t *testing.T) {
	store := NewMemoryTraceStore()
	srv := httptest.NewServer(NewServer(store, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/__health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := json.Marshal(newTrace("s1", 1, "served", false))
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/api/traces", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/traces", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/traces/s1")
	require.NoError(t, err)
	var got TraceData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "served", got.DisplayName)

	resp, err = http.Get(srv.URL + "/api/traces/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/traces?limit=1&filter=" + "spanCount%20%3D%3D%201")
	require.NoError(t, err)
	var list ListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Traces, 1)

	resp, err = http.Get(srv.URL + "/api/traces?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetup(t *testing.T) {
	store := NewMemoryTraceStore()
	tp, shutdown, err := Setup(context.Background(), SetupOptions{
		Exporter: NewExporter(func(o *ExporterOptions) { o.Store = store }),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, span := tp.Tracer(core.TracerName).Start(context.Background(), "batched")
			span.End()
		}()
	}
	wg.Wait()
	require.NoError(t, shutdown(context.Background()))

	res, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, res.Traces, 3)

	_, _, err = Setup(context.Background(), SetupOptions{})
	assert.Error(t, err)
}
