package tool

import (
	"context"

	"github.com/hupe1980/flowkit/core"
)

// Action is the registered form of a tool.
type Action = core.ActionDef[map[string]any, any, struct{}]

const valueTypeTool = "tool"

// Define registers t as action "/tool/<name>". Running the action directly
// (for example from developer tooling) calls the tool with a generated ref.
func Define(r *core.Registry, t Tool) (*Action, error) {
	a := core.NewAction(t.Name(), core.ActionTypeTool,
		func(ctx context.Context, args map[string]any) (any, error) {
			tc := NewToolContext(ctx, core.ToolRequest{Ref: core.NewID(), Name: t.Name(), Input: args}, nil)
			out, err := t.Call(tc, args)
			if err != nil {
				return nil, toCoreError(err)
			}
			return out, nil
		},
		core.WithDescription(t.Description()),
		core.WithInputSchema(t.InputSchema()),
	)
	if err := r.RegisterAction(a); err != nil {
		return nil, err
	}
	r.RegisterValue(valueTypeTool, t.Name(), t)
	return a, nil
}

// Lookup returns the tool registered under name.
func Lookup(r *core.Registry, name string) (Tool, bool) {
	v, ok := r.LookupValue(valueTypeTool, name)
	if !ok {
		return nil, false
	}
	t, ok := v.(Tool)
	return t, ok
}

// LookupAll resolves names in order and fails with NOT_FOUND on the first
// unknown tool.
func LookupAll(r *core.Registry, names ...string) ([]Tool, error) {
	tools := make([]Tool, 0, len(names))
	for _, n := range names {
		t, ok := Lookup(r, n)
		if !ok {
			return nil, core.NewError(core.StatusNotFound, "tool %q not found", n)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func toCoreError(err error) error {
	if ie, ok := AsInterrupt(err); ok {
		return core.WrapError(core.StatusAborted, err, "%s", err.Error()).
			WithDetail("interrupt", ie.Metadata)
	}
	if te, ok := err.(*ToolError); ok {
		status := core.StatusInternal
		if te.Code == CodeValidation {
			status = core.StatusInvalidArgument
		}
		return core.WrapError(status, err, "%s", te.Error()).WithDetail("code", te.Code)
	}
	return err
}
