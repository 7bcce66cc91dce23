package engine

import (
	"context"
	"sync"
)

// HookType names a lifecycle point where hooks run.
type HookType string

const (
	// HookBeforeAction runs before the engine starts an action.
	HookBeforeAction HookType = "before_action"
	// HookAfterAction runs after an action succeeded.
	HookAfterAction HookType = "after_action"
	// HookBeforeModel runs before each model turn of the generate loop.
	// Input holds a *model.Request the hook may modify.
	HookBeforeModel HookType = "before_model"
	// HookAfterModel runs after each model turn. Output holds a *model.Response.
	HookAfterModel HookType = "after_model"
	// HookBeforeTool runs before a tool is called. Input holds the arguments.
	HookBeforeTool HookType = "before_tool"
	// HookAfterTool runs after a tool returned.
	HookAfterTool HookType = "after_tool"
	// HookOnError runs when an action fails. Returned errors are ignored.
	HookOnError HookType = "on_error"
)

// HookContext describes the event a hook observes.
type HookContext struct {
	Type HookType
	// Name is the action key, model name or tool name.
	Name   string
	Input  any
	Output any
	Err    error
	// Metadata is free form and shared by all hooks of one event.
	Metadata map[string]any
}

// Hook is a lifecycle callback.
type Hook interface {
	Type() HookType
	Execute(ctx context.Context, hc *HookContext) error
}

// FunctionHook adapts a plain function to Hook.
//
//	hooks.Register(NewFunctionHook(HookBeforeTool, func(ctx context.Context, hc *HookContext) error {
//	    if hc.Name == "delete_account" {
//	        return errors.New("tool disabled")
//	    }
//	    return nil
//	}))
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hc *HookContext) error
}

// NewFunctionHook creates a new function-based hook.
func NewFunctionHook(t HookType, fn func(ctx context.Context, hc *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: t, fn: fn}
}

// Type returns the hook type this function handles.
func (h *FunctionHook) Type() HookType { return h.hookType }

// Execute calls the wrapped function.
func (h *FunctionHook) Execute(ctx context.Context, hc *HookContext) error { return h.fn(ctx, hc) }

// HookManager runs hooks in registration order. The first error stops the
// chain and is returned to the caller, which aborts the guarded operation.
// A nil *HookManager is valid and runs nothing.
type HookManager struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

// NewHookManager creates an empty manager.
func NewHookManager() *HookManager {
	return &HookManager{hooks: make(map[HookType][]Hook)}
}

// Register adds a hook.
func (m *HookManager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[h.Type()] = append(m.hooks[h.Type()], h)
}

// On registers fn for t.
func (m *HookManager) On(t HookType, fn func(ctx context.Context, hc *HookContext) error) {
	m.Register(NewFunctionHook(t, fn))
}

// Execute runs all hooks registered for hc.Type.
func (m *HookManager) Execute(ctx context.Context, hc *HookContext) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooks[hc.Type]...)
	m.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Execute(ctx, hc); err != nil {
			return err
		}
	}
	return nil
}
