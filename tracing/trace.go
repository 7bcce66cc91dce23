package tracing

import (
	"time"
)

// Span status codes, following OpenTelemetry.
const (
	StatusCodeUnset = 0
	StatusCodeOK    = 1
	StatusCodeError = 2
)

// TraceData is a trace as stored and served. Times are milliseconds since
// the Unix epoch.
type TraceData struct {
	TraceID     string               `json:"traceId"`
	DisplayName string               `json:"displayName,omitempty"`
	StartTime   float64              `json:"startTime,omitempty"`
	EndTime     float64              `json:"endTime,omitempty"`
	Spans       map[string]*SpanData `json:"spans"`
}

// SpanData is one span of a trace.
type SpanData struct {
	SpanID               string         `json:"spanId"`
	TraceID              string         `json:"traceId"`
	ParentSpanID         string         `json:"parentSpanId,omitempty"`
	StartTime            float64        `json:"startTime"`
	EndTime              float64        `json:"endTime"`
	DisplayName          string         `json:"displayName"`
	SpanKind             string         `json:"spanKind"`
	Attributes           map[string]any `json:"attributes,omitempty"`
	Status               SpanStatus     `json:"status"`
	InstrumentationScope Scope          `json:"instrumentationLibrary"`
	Events               []SpanEvent    `json:"timeEvents,omitempty"`
}

// SpanStatus is the outcome of a span.
type SpanStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Scope names the instrumentation that produced a span.
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Time       float64        `json:"time"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Root returns the span without parent, or nil.
func (t *TraceData) Root() *SpanData {
	for _, s := range t.Spans {
		if s.ParentSpanID == "" {
			return s
		}
	}
	return nil
}

// Merge adds the spans of other and widens the time range.
func (t *TraceData) Merge(other *TraceData) {
	if t.Spans == nil {
		t.Spans = map[string]*SpanData{}
	}
	for id, s := range other.Spans {
		t.Spans[id] = s
	}
	t.refresh()
}

// refresh derives the display name and time range from the spans.
func (t *TraceData) refresh() {
	t.StartTime, t.EndTime = 0, 0
	for _, s := range t.Spans {
		if t.StartTime == 0 || s.StartTime < t.StartTime {
			t.StartTime = s.StartTime
		}
		if s.EndTime > t.EndTime {
			t.EndTime = s.EndTime
		}
	}
	if root := t.Root(); root != nil {
		t.DisplayName = root.DisplayName
	}
}

// Status returns "error" when any span failed and "ok" otherwise.
func (t *TraceData) Status() string {
	for _, s := range t.Spans {
		if s.Status.Code == StatusCodeError {
			return "error"
		}
	}
	return "ok"
}

// DurationMs returns the trace duration in milliseconds.
func (t *TraceData) DurationMs() float64 {
	if t.EndTime < t.StartTime {
		return 0
	}
	return t.EndTime - t.StartTime
}

func toMillis(ts time.Time) float64 {
	if ts.IsZero() {
		return 0
	}
	return float64(ts.UnixNano()) / 1e6
}
