package flow

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/statestore"
)

// Options configure a flow.
type Options struct {
	// Store makes the flow durable when set.
	Store       statestore.Store
	Logger      logging.Logger
	Metrics     engine.MetricsRecorder
	Description string
}

// Option mutates Options.
type Option func(o *Options)

// WithStateStore makes the flow durable.
func WithStateStore(s statestore.Store) Option { return func(o *Options) { o.Store = s } }

// WithLogger sets the logger used for run summaries.
func WithLogger(l logging.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the recorder for step metrics.
func WithMetrics(m engine.MetricsRecorder) Option { return func(o *Options) { o.Metrics = m } }

// WithDescription sets the action description shown by developer tools.
func WithDescription(d string) Option { return func(o *Options) { o.Description = d } }

// Flow is a registered flow.
type Flow[In, Out, S any] struct {
	name   string
	opts   Options
	action *core.ActionDef[In, Out, S]
}

// StreamValue is one element of Stream: either a chunk or, with Done set,
// the final output.
type StreamValue[Out, S any] struct {
	Done   bool
	Output Out
	Stream S
}

// BidiFunc is the body of a bidirectional flow. inputs is closed when the
// caller's input stream ends.
type BidiFunc[In, Out, S, I any] func(ctx context.Context, in In, inputs <-chan I, cb core.StreamCallback[S]) (Out, error)

// Define registers a flow under /flow/<name>.
func Define[In, Out any](r *core.Registry, name string, fn func(context.Context, In) (Out, error), opts ...Option) (*Flow[In, Out, struct{}], error) {
	return DefineStreaming(r, name, func(ctx context.Context, in In, _ core.StreamCallback[struct{}]) (Out, error) {
		return fn(ctx, in)
	}, opts...)
}

// DefineStreaming registers a flow that emits chunks of type S.
func DefineStreaming[In, Out, S any](r *core.Registry, name string, fn core.StreamingFunc[In, Out, S], opts ...Option) (*Flow[In, Out, S], error) {
	f := newFlow[In, Out, S](name, opts)
	f.action = core.NewStreamingAction(name, core.ActionTypeFlow, f.wrap(fn), f.actionOptions()...)
	if err := r.RegisterAction(f.action); err != nil {
		return nil, err
	}
	return f, nil
}

// DefineBidi registers a flow that also consumes a stream of I values sent
// by the caller while it runs.
func DefineBidi[In, Out, S, I any](r *core.Registry, name string, fn BidiFunc[In, Out, S, I], opts ...Option) (*Flow[In, Out, S], error) {
	f := newFlow[In, Out, S](name, opts)
	body := func(ctx context.Context, in In, cb core.StreamCallback[S]) (Out, error) {
		return fn(ctx, in, decodeInputs[I](ctx, f.opts.Logger), cb)
	}
	f.action = core.NewBidiAction(name, core.ActionTypeFlow, f.wrap(body), f.actionOptions()...)
	if err := r.RegisterAction(f.action); err != nil {
		return nil, err
	}
	return f, nil
}

func newFlow[In, Out, S any](name string, optFns []Option) *Flow[In, Out, S] {
	opts := Options{Metrics: engine.NoopMetrics{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Flow[In, Out, S]{name: name, opts: opts}
}

func (f *Flow[In, Out, S]) actionOptions() []core.ActionOption {
	var out []core.ActionOption
	if f.opts.Description != "" {
		out = append(out, core.WithDescription(f.opts.Description))
	}
	if f.opts.Store != nil {
		out = append(out, core.WithMetadata("durable", true))
	}
	return out
}

// decodeInputs converts the raw input stream of ctx into typed values.
// Values that fail to decode are logged and dropped.
func decodeInputs[I any](ctx context.Context, logger logging.Logger) <-chan I {
	raw := core.InputStreamFrom(ctx)
	out := make(chan I)
	go func() {
		defer close(out)
		if raw == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-raw:
				if !ok {
					return
				}
				var v I
				if err := json.Unmarshal(r, &v); err != nil {
					logger.Warn("flow.input.decode_failed", "error", err.Error())
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Name returns the flow name.
func (f *Flow[In, Out, S]) Name() string { return f.name }

// Action returns the registered action.
func (f *Flow[In, Out, S]) Action() *core.ActionDef[In, Out, S] { return f.action }

// Run executes the flow. A durable flow picks up the id set by WithFlowID.
func (f *Flow[In, Out, S]) Run(ctx context.Context, in In) (Out, error) {
	return f.action.Run(ctx, in, nil)
}

// Stream executes the flow and yields its chunks followed by a final value
// with Done set. Breaking out of the loop stops the flow at its next chunk.
func (f *Flow[In, Out, S]) Stream(ctx context.Context, in In) iter.Seq2[*StreamValue[Out, S], error] {
	return func(yield func(*StreamValue[Out, S], error) bool) {
		stopped := false
		cb := func(_ context.Context, chunk S) error {
			if stopped {
				return errStreamStopped
			}
			if !yield(&StreamValue[Out, S]{Stream: chunk}, nil) {
				stopped = true
				return errStreamStopped
			}
			return nil
		}
		out, err := f.action.Run(ctx, in, cb)
		if stopped {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		yield(&StreamValue[Out, S]{Done: true, Output: out}, nil)
	}
}

var errStreamStopped = core.NewError(core.StatusCancelled, "stream consumer stopped")

// Resume replays a durable flow run with its stored input. Memoized steps
// are not executed again; a completed run returns its stored output.
func (f *Flow[In, Out, S]) Resume(ctx context.Context, flowID string) (Out, error) {
	var zero Out
	st, err := f.loadState(ctx, flowID)
	if err != nil {
		return zero, err
	}
	var in In
	if len(st.Input) > 0 {
		if err := json.Unmarshal(st.Input, &in); err != nil {
			return zero, core.WrapError(core.StatusDataLoss, err, "decode stored input of flow %s", flowID)
		}
	}
	return f.action.Run(WithFlowID(ctx, flowID), in, nil)
}

// ResumeWith answers the pending interrupt name of a durable flow run with
// value and resumes it.
func (f *Flow[In, Out, S]) ResumeWith(ctx context.Context, flowID, name string, value any) (Out, error) {
	var zero Out
	st, err := f.loadState(ctx, flowID)
	if err != nil {
		return zero, err
	}
	if st.Status != statestore.StatusInterrupted || st.Interrupt == nil {
		return zero, core.NewError(core.StatusFailedPrecondition, "flow %s is %s, not interrupted", flowID, st.Status)
	}
	if st.Interrupt.Name != name {
		return zero, core.NewError(core.StatusInvalidArgument, "flow %s waits for %q, not %q", flowID, st.Interrupt.Name, name)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return zero, core.WrapError(core.StatusInvalidArgument, err, "encode resume value for %s", name)
	}
	st.Resumes[name] = raw
	st.Interrupt = nil
	if err := f.opts.Store.Save(ctx, st); err != nil {
		return zero, core.WrapError(core.StatusUnavailable, err, "persist state of flow %s", flowID)
	}
	return f.Resume(ctx, flowID)
}

// State returns the persisted state of a durable flow run.
func (f *Flow[In, Out, S]) State(ctx context.Context, flowID string) (*statestore.FlowState, error) {
	return f.loadState(ctx, flowID)
}

func (f *Flow[In, Out, S]) loadState(ctx context.Context, flowID string) (*statestore.FlowState, error) {
	if f.opts.Store == nil {
		return nil, core.NewError(core.StatusFailedPrecondition, "flow %s has no state store", f.name)
	}
	st, err := f.opts.Store.Load(ctx, flowID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, core.NewError(core.StatusNotFound, "flow run %s not found", flowID)
	}
	if err != nil {
		return nil, core.WrapError(core.StatusUnavailable, err, "load state of flow %s", flowID)
	}
	if st.FlowName != f.name {
		return nil, core.NewError(core.StatusFailedPrecondition, "flow run %s belongs to flow %s", flowID, st.FlowName)
	}
	return st, nil
}

// wrap installs the flow context around fn and, for durable flows, loads
// and persists the run state.
func (f *Flow[In, Out, S]) wrap(fn core.StreamingFunc[In, Out, S]) core.StreamingFunc[In, Out, S] {
	return func(ctx context.Context, in In, cb core.StreamCallback[S]) (Out, error) {
		var zero Out
		fc := &flowContext{
			flowName:  f.name,
			store:     f.opts.Store,
			logger:    f.opts.Logger,
			metrics:   f.opts.Metrics,
			stepNames: map[string]int{},
		}

		if fc.store != nil {
			st, err := f.begin(ctx, in)
			if err != nil {
				return zero, err
			}
			if st.Status == statestore.StatusDone {
				var out Out
				if err := json.Unmarshal(st.Output, &out); err != nil {
					return zero, core.WrapError(core.StatusDataLoss, err, "decode stored output of flow %s", st.FlowID)
				}
				return out, nil
			}
			fc.state = st
		}

		start := time.Now()
		out, err := fn(withFlowContext(ctx, fc), in, cb)
		var flowID string
		if fc.state != nil {
			flowID = fc.state.FlowID
		}
		runLogger := logging.ForRun(f.opts.Logger, core.TraceInfoFromContext(ctx).TraceID, flowID)
		logging.FlowExecution(runLogger, f.name, fc.steps, time.Since(start), err)

		if fc.durable() {
			if ferr := f.finish(ctx, fc, out, err); ferr != nil && err == nil {
				return zero, ferr
			}
		}
		return out, err
	}
}

// begin loads or creates the state of a durable run and marks it running.
func (f *Flow[In, Out, S]) begin(ctx context.Context, in In) (*statestore.FlowState, error) {
	id := requestedFlowID(ctx)
	if id == "" {
		id = core.NewID()
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(core.AttrFlowID, id))

	st, err := f.opts.Store.Load(ctx, id)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, core.WrapError(core.StatusInvalidArgument, err, "encode input of flow %s", f.name)
		}
		st = statestore.NewFlowState(id, f.name, raw)
	case err != nil:
		return nil, core.WrapError(core.StatusUnavailable, err, "load state of flow %s", id)
	case st.FlowName != f.name:
		return nil, core.NewError(core.StatusFailedPrecondition, "flow run %s belongs to flow %s", id, st.FlowName)
	case st.Status == statestore.StatusDone:
		return st, nil
	case st.Status == statestore.StatusRunning:
		f.opts.Logger.Warn("flow.resume.running", "flow", f.name, "flow_id", id)
	}

	st.Status = statestore.StatusRunning
	st.Error = ""
	st.AddTraceID(core.TraceInfoFromContext(ctx).TraceID)
	if err := f.opts.Store.Save(ctx, st); err != nil {
		return nil, core.WrapError(core.StatusUnavailable, err, "persist state of flow %s", id)
	}
	return st, nil
}

// finish records the outcome of a durable run. The state is persisted even
// when ctx is already cancelled.
func (f *Flow[In, Out, S]) finish(ctx context.Context, fc *flowContext, out Out, runErr error) error {
	ctx = context.WithoutCancel(ctx)

	fc.mu.Lock()
	st := fc.state
	var ie *InterruptedError
	switch {
	case errors.As(runErr, &ie):
		st.Status = statestore.StatusInterrupted
	case runErr != nil:
		st.Status = statestore.StatusFailed
		st.Error = runErr.Error()
	default:
		raw, err := json.Marshal(out)
		if err != nil {
			fc.mu.Unlock()
			return core.WrapError(core.StatusInternal, err, "encode output of flow %s", f.name)
		}
		st.Status = statestore.StatusDone
		st.Output = raw
		st.Interrupt = nil
	}
	fc.mu.Unlock()

	return fc.save(ctx)
}
