package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/statestore"
)

// Run executes fn as the step name of the flow running in ctx. In a durable
// run a completed step is not executed again; its stored output is
// returned instead. A name used several times in one run is suffixed
// (name, name-1, ...) so replays line up.
func Run[Out any](ctx context.Context, name string, fn func() (Out, error)) (Out, error) {
	var zero Out
	fc := flowContextFrom(ctx)
	if fc == nil {
		return zero, core.NewError(core.StatusFailedPrecondition, "flow.Run(%q) called outside a flow", name)
	}
	step := fc.uniqueStepName(name)

	ctx, span := core.StartSpan(ctx, core.SpanMeta{Name: step, Type: core.SpanTypeFlowStep})

	if raw, ok := fc.lookupStep(step); ok {
		var out Out
		if err := json.Unmarshal(raw, &out); err != nil {
			err = core.WrapError(core.StatusDataLoss, err, "decode memoized step %s", step)
			core.EndSpan(span, nil, err)
			return zero, err
		}
		span.SetAttributes(attribute.Bool(core.AttrReplayed, true))
		core.EndSpan(span, out, nil)
		fc.metrics.RecordFlowStep(ctx, fc.flowName, step, true)
		fc.logger.Debug("flow.step.replayed", "flow", fc.flowName, "step", step)
		return out, nil
	}

	out, err := fn()
	if err != nil {
		core.EndSpan(span, nil, err)
		return zero, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		err = core.WrapError(core.StatusInternal, err, "encode output of step %s", step)
		core.EndSpan(span, nil, err)
		return zero, err
	}
	if err := fc.recordStep(ctx, step, raw); err != nil {
		core.EndSpan(span, out, err)
		return zero, err
	}
	core.EndSpan(span, out, nil)
	fc.metrics.RecordFlowStep(ctx, fc.flowName, step, false)
	return out, nil
}

// InterruptedError reports that a durable flow paused for outside input.
// Resume it with (*Flow).ResumeWith.
type InterruptedError struct {
	FlowID  string
	Name    string
	Payload json.RawMessage
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("flow %s interrupted: waiting for %s", e.FlowID, e.Name)
}

// Unwrap exposes the interrupt as an ABORTED framework error carrying the
// flow id, interrupt name and payload in its details.
func (e *InterruptedError) Unwrap() error {
	return core.NewError(core.StatusAborted, "%s", e.Error()).
		WithDetail("flowId", e.FlowID).
		WithDetail("interrupt", e.Name).
		WithDetail("payload", e.Payload)
}

// Interrupt pauses the durable flow in ctx until a value for name is
// supplied. When the run was resumed with such a value, it is decoded into
// T and returned. Otherwise the state records payload and an
// *InterruptedError is returned, which the flow should pass up unchanged.
func Interrupt[T any](ctx context.Context, name string, payload any) (T, error) {
	var zero T
	fc := flowContextFrom(ctx)
	if fc == nil || !fc.durable() {
		return zero, core.NewError(core.StatusFailedPrecondition, "flow.Interrupt(%q) requires a durable flow", name)
	}

	fc.mu.Lock()
	raw, ok := fc.state.Resumes[name]
	fc.mu.Unlock()
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, core.WrapError(core.StatusInvalidArgument, err, "decode resume value for %s", name)
		}
		return v, nil
	}

	p, err := json.Marshal(payload)
	if err != nil {
		return zero, core.WrapError(core.StatusInvalidArgument, err, "encode interrupt payload for %s", name)
	}

	fc.mu.Lock()
	fc.state.Interrupt = &statestore.InterruptRecord{Name: name, Payload: p}
	fc.state.Status = statestore.StatusInterrupted
	id := fc.state.FlowID
	err = fc.saveLocked(ctx)
	fc.mu.Unlock()
	if err != nil {
		return zero, err
	}

	fc.logger.Info("flow.interrupted", "flow", fc.flowName, "flow_id", id, "interrupt", name)
	return zero, &InterruptedError{FlowID: id, Name: name, Payload: p}
}

// Sleep is a durable timer step. The wake time is memoized, so a replayed
// run only waits for whatever remains.
func Sleep(ctx context.Context, name string, d time.Duration) error {
	wake, err := Run(ctx, name, func() (time.Time, error) {
		return time.Now().Add(d), nil
	})
	if err != nil {
		return err
	}
	remaining := time.Until(wake)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
