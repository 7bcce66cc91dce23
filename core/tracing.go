package core

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span the framework opens.
const TracerName = "github.com/hupe1980/flowkit"

// Span attribute keys.
const (
	AttrType        = "flowkit:type"
	AttrSubtype     = "flowkit:metadata:subtype"
	AttrName        = "flowkit:name"
	AttrPath        = "flowkit:path"
	AttrInput       = "flowkit:input"
	AttrOutput      = "flowkit:output"
	AttrState       = "flowkit:state"
	AttrIsRoot      = "flowkit:isRoot"
	AttrFlowID      = "flowkit:flowId"
	AttrReplayed    = "flowkit:replayed"
	AttrLabelPrefix = "flowkit:label:"
)

// Span types recorded under AttrType.
const (
	SpanTypeAction   = "action"
	SpanTypeFlowStep = "flowStep"
	SpanTypeUtil     = "util"
)

const maxAttrLen = 32 * 1024

// TraceInfo identifies the span of a run.
type TraceInfo struct {
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId,omitempty"`
}

type spanPathKey struct{}

// SpanMeta describes a span to open.
type SpanMeta struct {
	Name    string
	Type    string
	Subtype string
	Labels  map[string]string
}

// StartSpan opens a span for meta as a child of the span in ctx and extends
// the span path used by trace viewers.
func StartSpan(ctx context.Context, meta SpanMeta) (context.Context, trace.Span) {
	parentPath, _ := ctx.Value(spanPathKey{}).(string)
	seg := "{" + meta.Name + ",t:" + meta.Type
	if meta.Subtype != "" {
		seg += ",s:" + meta.Subtype
	}
	path := parentPath + "/" + seg + "}"

	attrs := []attribute.KeyValue{
		attribute.String(AttrType, meta.Type),
		attribute.String(AttrName, meta.Name),
		attribute.String(AttrPath, path),
		attribute.Bool(AttrIsRoot, parentPath == ""),
	}
	if meta.Subtype != "" {
		attrs = append(attrs, attribute.String(AttrSubtype, meta.Subtype))
	}
	for k, v := range meta.Labels {
		attrs = append(attrs, attribute.String(AttrLabelPrefix+k, v))
	}

	ctx, span := otel.Tracer(TracerName).Start(ctx, meta.Name, trace.WithAttributes(attrs...))
	return context.WithValue(ctx, spanPathKey{}, path), span
}

// SetSpanInput records v as the span input.
func SetSpanInput(span trace.Span, v any) {
	span.SetAttributes(attribute.String(AttrInput, encodeAttr(v)))
}

// EndSpan records the output and final state, then ends span.
func EndSpan(span trace.Span, output any, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrState, "error"))
	} else {
		if output != nil {
			span.SetAttributes(attribute.String(AttrOutput, encodeAttr(output)))
		}
		span.SetAttributes(attribute.String(AttrState, "success"))
	}
	span.End()
}

// TraceInfoFromSpan returns the ids of span. Invalid (no-op) spans yield an
// empty TraceInfo.
func TraceInfoFromSpan(span trace.Span) TraceInfo {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

// TraceInfoFromContext returns the ids of the span active in ctx.
func TraceInfoFromContext(ctx context.Context) TraceInfo {
	return TraceInfoFromSpan(trace.SpanFromContext(ctx))
}

func encodeAttr(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.RawMessage:
		s = string(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	if len(s) > maxAttrLen {
		s = s[:maxAttrLen]
	}
	return strings.ToValidUTF8(s, "")
}
