package reflection

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/flowkit/core"
)

// Trace headers set on V1 runAction responses.
const (
	HeaderTraceID = "X-Flowkit-Trace-Id"
	HeaderSpanID  = "X-Flowkit-Span-Id"
)

// RuntimeInfo describes a runtime. V1 writes it to the discovery file, V2
// sends it with register.
type RuntimeInfo struct {
	ID                       string   `json:"id"`
	PID                      int      `json:"pid"`
	Name                     string   `json:"name,omitempty"`
	ReflectionServerURL      string   `json:"reflectionServerUrl,omitempty"`
	Timestamp                string   `json:"timestamp,omitempty"`
	FlowkitVersion           string   `json:"flowkitVersion"`
	ReflectionAPISpecVersion int      `json:"reflectionApiSpecVersion"`
	Envs                     []string `json:"envs,omitempty"`
}

// RunActionRequest is the body of runAction in both protocol versions.
type RunActionRequest struct {
	Key             string             `json:"key"`
	Input           json.RawMessage    `json:"input,omitempty"`
	Context         core.ActionContext `json:"context,omitempty"`
	TelemetryLabels map[string]string  `json:"telemetryLabels,omitempty"`
	// Stream and StreamInput are only used by V2; V1 streams on ?stream=true.
	Stream      bool `json:"stream,omitempty"`
	StreamInput bool `json:"streamInput,omitempty"`
}

// RunActionResponse is the successful outcome of runAction.
type RunActionResponse struct {
	Result    json.RawMessage `json:"result"`
	Telemetry core.TraceInfo  `json:"telemetry"`
}

// RunState is reported while a V2 run is in flight.
type RunState struct {
	RequestID string `json:"-"`
	TraceID   string `json:"traceId"`
	FlowID    string `json:"flowId,omitempty"`
}

// ErrorBody is the error payload: the envelope of V1 and the data of V2
// action errors.
type ErrorBody struct {
	Code    core.Status    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// newErrorBody classifies err and attaches the trace id of the run.
func newErrorBody(err error, traceID string) ErrorBody {
	fe := core.AsError(err)
	details := make(map[string]any, len(fe.Details)+1)
	for k, v := range fe.Details {
		details[k] = v
	}
	if traceID != "" {
		details["traceId"] = traceID
	}
	if len(details) == 0 {
		details = nil
	}
	return ErrorBody{Code: fe.Status, Message: fe.Message, Details: details}
}

type cancelActionRequest struct {
	TraceID string `json:"traceId"`
}

type cancelActionResponse struct {
	Message string `json:"message"`
}

type notifyRequest struct {
	TelemetryServerURL       string `json:"telemetryServerUrl"`
	ReflectionAPISpecVersion int    `json:"reflectionApiSpecVersion"`
}

// encodableValues replaces values that cannot be encoded as JSON with
// their type name.
func encodableValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, err := json.Marshal(v); err != nil {
			out[k] = map[string]any{"type": fmt.Sprintf("%T", v)}
			continue
		}
		out[k] = v
	}
	return out
}
