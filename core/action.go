package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/flowkit/internal/util"
)

// ActionType classifies registered actions. It forms the first segment of
// an action key.
type ActionType string

const (
	ActionTypeFlow      ActionType = "flow"
	ActionTypeModel     ActionType = "model"
	ActionTypeTool      ActionType = "tool"
	ActionTypeAgent     ActionType = "agent"
	ActionTypeRetriever ActionType = "retriever"
	ActionTypeIndexer   ActionType = "indexer"
	ActionTypeUtil      ActionType = "util"
	ActionTypeCustom    ActionType = "custom"
)

// Key returns the registry key of an action, e.g. "/flow/summarize".
func Key(t ActionType, name string) string {
	return "/" + string(t) + "/" + name
}

// ParseKey splits an action key into its type and name.
func ParseKey(key string) (ActionType, string, error) {
	if !strings.HasPrefix(key, "/") {
		return "", "", NewError(StatusInvalidArgument, "malformed action key %q", key)
	}
	typ, name, ok := strings.Cut(key[1:], "/")
	if !ok || typ == "" || name == "" {
		return "", "", NewError(StatusInvalidArgument, "malformed action key %q", key)
	}
	return ActionType(typ), name, nil
}

// ActionDesc is the serializable description of an action as listed by the
// reflection API.
type ActionDesc struct {
	Key          string         `json:"key"`
	Name         string         `json:"name"`
	Type         ActionType     `json:"type"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	StreamSchema map[string]any `json:"streamSchema,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RunOptions configure an untyped action run.
type RunOptions struct {
	// OnChunk receives encoded stream chunks. Nil disables streaming.
	OnChunk RawStreamCallback
	// InputStream feeds bidirectional actions.
	InputStream <-chan json.RawMessage
	// Context is merged into the action context of the run.
	Context ActionContext
	// TelemetryLabels are recorded on the root span.
	TelemetryLabels map[string]string
	// OnTrace is called as soon as the run's span exists.
	OnTrace func(TraceInfo)
}

// RunResult is the outcome of an untyped action run.
type RunResult struct {
	Result json.RawMessage `json:"result"`
	Trace  TraceInfo       `json:"telemetry"`
}

// Action is the untyped view of a registered action.
type Action interface {
	Name() string
	Type() ActionType
	Key() string
	Desc() ActionDesc
	RunJSON(ctx context.Context, input json.RawMessage, opts *RunOptions) (*RunResult, error)
}

// StreamCallback receives typed stream chunks.
type StreamCallback[S any] func(ctx context.Context, chunk S) error

// StreamingFunc is the implementation of a streaming action.
type StreamingFunc[In, Out, S any] func(ctx context.Context, in In, cb StreamCallback[S]) (Out, error)

// ActionOption customizes an action description.
type ActionOption func(d *ActionDesc)

// WithDescription sets the action description.
func WithDescription(desc string) ActionOption {
	return func(d *ActionDesc) { d.Description = desc }
}

// WithMetadata adds a metadata entry.
func WithMetadata(key string, value any) ActionOption {
	return func(d *ActionDesc) {
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		d.Metadata[key] = value
	}
}

// WithInputSchema overrides the inferred input schema.
func WithInputSchema(schema map[string]any) ActionOption {
	return func(d *ActionDesc) { d.InputSchema = schema }
}

// WithOutputSchema overrides the inferred output schema.
func WithOutputSchema(schema map[string]any) ActionOption {
	return func(d *ActionDesc) { d.OutputSchema = schema }
}

// ActionDef is a typed action.
type ActionDef[In, Out, S any] struct {
	desc ActionDesc
	fn   StreamingFunc[In, Out, S]
}

var _ Action = (*ActionDef[any, any, any])(nil)

// NewAction creates a non-streaming action.
func NewAction[In, Out any](name string, typ ActionType, fn func(context.Context, In) (Out, error), opts ...ActionOption) *ActionDef[In, Out, struct{}] {
	a := newActionDef[In, Out, struct{}](name, typ, func(ctx context.Context, in In, _ StreamCallback[struct{}]) (Out, error) {
		return fn(ctx, in)
	}, opts...)
	return a
}

// NewStreamingAction creates an action that may emit chunks of type S.
func NewStreamingAction[In, Out, S any](name string, typ ActionType, fn StreamingFunc[In, Out, S], opts ...ActionOption) *ActionDef[In, Out, S] {
	a := newActionDef(name, typ, fn, opts...)
	if a.desc.StreamSchema == nil {
		a.desc.StreamSchema = util.SchemaFor[S]()
	}
	return a
}

// NewBidiAction creates a streaming action that also consumes an input
// stream, available to fn through InputStreamFrom.
func NewBidiAction[In, Out, S any](name string, typ ActionType, fn StreamingFunc[In, Out, S], opts ...ActionOption) *ActionDef[In, Out, S] {
	opts = append([]ActionOption{WithMetadata("bidi", true)}, opts...)
	return NewStreamingAction(name, typ, fn, opts...)
}

func newActionDef[In, Out, S any](name string, typ ActionType, fn StreamingFunc[In, Out, S], opts ...ActionOption) *ActionDef[In, Out, S] {
	desc := ActionDesc{
		Key:          Key(typ, name),
		Name:         name,
		Type:         typ,
		InputSchema:  util.SchemaFor[In](),
		OutputSchema: util.SchemaFor[Out](),
	}
	for _, opt := range opts {
		opt(&desc)
	}
	return &ActionDef[In, Out, S]{desc: desc, fn: fn}
}

// Name returns the action name.
func (a *ActionDef[In, Out, S]) Name() string { return a.desc.Name }

// Type returns the action type.
func (a *ActionDef[In, Out, S]) Type() ActionType { return a.desc.Type }

// Key returns the registry key.
func (a *ActionDef[In, Out, S]) Key() string { return a.desc.Key }

// Desc returns a copy of the action description.
func (a *ActionDef[In, Out, S]) Desc() ActionDesc { return a.desc }

// Run executes the action with typed input inside its own span.
func (a *ActionDef[In, Out, S]) Run(ctx context.Context, in In, cb StreamCallback[S]) (Out, error) {
	return a.run(ctx, in, cb, nil)
}

func (a *ActionDef[In, Out, S]) run(ctx context.Context, in In, cb StreamCallback[S], ro *RunOptions) (out Out, err error) {
	meta := SpanMeta{Name: a.desc.Name, Type: SpanTypeAction, Subtype: string(a.desc.Type)}
	if ro != nil {
		meta.Labels = ro.TelemetryLabels
	}

	ctx, span := StartSpan(ctx, meta)
	if ro != nil && ro.OnTrace != nil {
		ro.OnTrace(TraceInfoFromSpan(span))
	}
	SetSpanInput(span, in)
	defer func() {
		if r := recover(); r != nil {
			err = NewError(StatusInternal, "action %s panicked: %v", a.desc.Key, r)
		}
		EndSpan(span, any(out), err)
	}()

	return a.fn(ctx, in, cb)
}

// RunJSON decodes and validates input, runs the action and encodes the
// output. Errors carry the trace id in their details.
func (a *ActionDef[In, Out, S]) RunJSON(ctx context.Context, input json.RawMessage, opts *RunOptions) (*RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}

	in, err := a.decodeInput(input)
	if err != nil {
		return nil, err
	}

	ctx = WithActionContext(ctx, opts.Context)
	if opts.InputStream != nil {
		ctx = WithInputStream(ctx, opts.InputStream)
	}

	var ti TraceInfo
	ro := *opts
	ro.OnTrace = func(t TraceInfo) {
		ti = t
		if opts.OnTrace != nil {
			opts.OnTrace(t)
		}
	}

	var cb StreamCallback[S]
	if opts.OnChunk != nil {
		cb = func(ctx context.Context, chunk S) error {
			b, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("encode stream chunk: %w", err)
			}
			return opts.OnChunk(ctx, b)
		}
	}

	out, err := a.run(ctx, in, cb, &ro)
	if err != nil {
		return nil, AsError(err).WithDetail("traceId", ti.TraceID)
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, WrapError(StatusInternal, err, "encode output of %s", a.desc.Key)
	}
	return &RunResult{Result: b, Trace: ti}, nil
}

func (a *ActionDef[In, Out, S]) decodeInput(input json.RawMessage) (In, error) {
	var in In
	if len(input) == 0 || string(input) == "null" {
		return in, nil
	}
	if err := util.ValidateJSON(input, a.desc.InputSchema); err != nil {
		return in, WrapError(StatusInvalidArgument, err, "invalid input for %s", a.desc.Key)
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, WrapError(StatusInvalidArgument, err, "decode input for %s", a.desc.Key)
	}
	return in, nil
}
