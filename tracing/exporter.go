package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/flowkit/logging"
)

// Exporter writes finished spans to a TraceStore and, when a telemetry
// server URL is set, posts them to that server.
type Exporter struct {
	store  TraceStore
	client *http.Client
	logger logging.Logger

	mu        sync.RWMutex
	serverURL string
	stopped   bool
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// ExporterOptions configures an Exporter.
type ExporterOptions struct {
	// Store receives traces locally. Optional.
	Store TraceStore
	// ServerURL is the telemetry server base URL. Optional.
	ServerURL  string
	HTTPClient *http.Client
	Logger     logging.Logger
}

// NewExporter creates an exporter.
func NewExporter(optFns ...func(o *ExporterOptions)) *Exporter {
	opts := ExporterOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Exporter{
		store:     opts.Store,
		client:    client,
		logger:    logging.OrNoOp(opts.Logger),
		serverURL: opts.ServerURL,
	}
}

// SetTelemetryServerURL changes the server spans are posted to. An empty
// url disables posting.
func (e *Exporter) SetTelemetryServerURL(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serverURL = url
}

// TelemetryServerURL returns the current server URL.
func (e *Exporter) TelemetryServerURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.serverURL
}

// Store returns the local trace store, or nil.
func (e *Exporter) Store() TraceStore { return e.store }

// ExportSpans implements sdktrace.SpanExporter.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.RLock()
	stopped, url := e.stopped, e.serverURL
	e.mu.RUnlock()
	if stopped || len(spans) == 0 {
		return nil
	}

	var firstErr error
	for _, t := range groupSpans(spans) {
		if e.store != nil {
			if err := e.store.Save(ctx, t); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if url != "" {
			if err := e.post(ctx, url, t); err != nil {
				e.logger.Warn("telemetry.export.failed", "trace_id", t.TraceID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Shutdown implements sdktrace.SpanExporter.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

func (e *Exporter) post(ctx context.Context, url string, t *TraceData) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/traces", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tracing: telemetry server returned %s", resp.Status)
	}
	return nil
}

// groupSpans converts spans and groups them by trace id, keeping the
// order in which traces first appear.
func groupSpans(spans []sdktrace.ReadOnlySpan) []*TraceData {
	var order []*TraceData
	byID := map[string]*TraceData{}
	for _, s := range spans {
		sd := convertSpan(s)
		t, ok := byID[sd.TraceID]
		if !ok {
			t = &TraceData{TraceID: sd.TraceID, Spans: map[string]*SpanData{}}
			byID[sd.TraceID] = t
			order = append(order, t)
		}
		t.Spans[sd.SpanID] = sd
	}
	for _, t := range order {
		t.refresh()
	}
	return order
}

func convertSpan(s sdktrace.ReadOnlySpan) *SpanData {
	sc := s.SpanContext()
	sd := &SpanData{
		SpanID:      sc.SpanID().String(),
		TraceID:     sc.TraceID().String(),
		StartTime:   toMillis(s.StartTime()),
		EndTime:     toMillis(s.EndTime()),
		DisplayName: s.Name(),
		SpanKind:    spanKind(s.SpanKind()),
		Attributes:  attrMap(s.Attributes()),
		InstrumentationScope: Scope{
			Name:    s.InstrumentationScope().Name,
			Version: s.InstrumentationScope().Version,
		},
	}
	if p := s.Parent(); p.IsValid() {
		sd.ParentSpanID = p.SpanID().String()
	}
	switch s.Status().Code {
	case codes.Ok:
		sd.Status.Code = StatusCodeOK
	case codes.Error:
		sd.Status.Code = StatusCodeError
		sd.Status.Message = s.Status().Description
	}
	for _, ev := range s.Events() {
		sd.Events = append(sd.Events, SpanEvent{
			Time:       toMillis(ev.Time),
			Name:       ev.Name,
			Attributes: attrMap(ev.Attributes),
		})
	}
	return sd
}

func attrMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func spanKind(k trace.SpanKind) string {
	switch k {
	case trace.SpanKindServer:
		return "SERVER"
	case trace.SpanKindClient:
		return "CLIENT"
	case trace.SpanKindProducer:
		return "PRODUCER"
	case trace.SpanKindConsumer:
		return "CONSUMER"
	default:
		return "INTERNAL"
	}
}
