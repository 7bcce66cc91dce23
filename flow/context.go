package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/statestore"
)

// ActionContextFlowID is the action context key carrying a durable flow id.
const ActionContextFlowID = "flowId"

type (
	flowContextKey struct{}
	flowIDKey      struct{}
)

// WithFlowID sets the id of the next durable flow run started with ctx.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, flowID)
}

// requestedFlowID returns the id requested by WithFlowID or the action
// context, or "".
func requestedFlowID(ctx context.Context) string {
	if id, ok := ctx.Value(flowIDKey{}).(string); ok && id != "" {
		return id
	}
	return core.ActionContextFrom(ctx).String(ActionContextFlowID)
}

// FlowID returns the id of the durable flow run executing in ctx, or "".
func FlowID(ctx context.Context) string {
	if fc := flowContextFrom(ctx); fc != nil && fc.state != nil {
		return fc.state.FlowID
	}
	return ""
}

// flowContext is the per-run state of an executing flow. state and store are
// nil for flows without a state store.
type flowContext struct {
	flowName string
	store    statestore.Store
	logger   logging.Logger
	metrics  engine.MetricsRecorder

	mu        sync.Mutex
	state     *statestore.FlowState
	stepNames map[string]int
	steps     int
}

func withFlowContext(ctx context.Context, fc *flowContext) context.Context {
	return context.WithValue(ctx, flowContextKey{}, fc)
}

func flowContextFrom(ctx context.Context) *flowContext {
	fc, _ := ctx.Value(flowContextKey{}).(*flowContext)
	return fc
}

func (fc *flowContext) durable() bool { return fc.state != nil }

// uniqueStepName returns name for its first use in a run and name-1,
// name-2, ... afterwards.
func (fc *flowContext) uniqueStepName(name string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := fc.stepNames[name]
	fc.stepNames[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s-%d", name, n)
}

// lookupStep returns the memoized output of step.
func (fc *flowContext) lookupStep(step string) (json.RawMessage, bool) {
	if !fc.durable() {
		return nil, false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	raw, ok := fc.state.Steps[step]
	return raw, ok
}

// recordStep memoizes the output of step and persists the state.
func (fc *flowContext) recordStep(ctx context.Context, step string, output json.RawMessage) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.steps++
	if !fc.durable() {
		return nil
	}
	fc.state.Steps[step] = output
	return fc.saveLocked(ctx)
}

// save persists the state; callers must not hold mu.
func (fc *flowContext) save(ctx context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.saveLocked(ctx)
}

func (fc *flowContext) saveLocked(ctx context.Context) error {
	if err := fc.store.Save(ctx, fc.state); err != nil {
		return core.WrapError(core.StatusUnavailable, err, "persist state of flow %s", fc.state.FlowID)
	}
	return nil
}
