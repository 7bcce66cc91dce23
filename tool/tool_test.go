package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/core"
)

func newTC(ref string) *ToolContext {
	return NewToolContext(context.Background(), core.ToolRequest{Ref: ref, Name: "t"}, nil)
}

func sumSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}
}

func TestFunctionTool_Success(t *testing.T) {
	sum := NewFunctionTool("sum", "Add numbers", sumSchema(), func(_ *ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	result, err := sum.Call(newTC("fc1"), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
	assert.Equal(t, "sum", Definition(sum).Name)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	sum := NewFunctionTool("sum", "Add numbers", sumSchema(), func(_ *ToolContext, _ map[string]any) (any, error) {
		return 0, nil
	})
	_, err := sum.Call(newTC("fc2"), map[string]any{"a": 1.0})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	fail := NewFunctionTool("fail", "Fails", map[string]any{"type": "object"}, func(_ *ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := fail.Call(newTC("fc3"), nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Contains(t, toolErr.Error(), "boom")
}

func TestFunctionTool_CustomToolErrorForwarded(t *testing.T) {
	custom := NewToolError("x", "quota", "QUOTA")
	x := NewFunctionTool("x", "", map[string]any{"type": "object"}, func(_ *ToolContext, _ map[string]any) (any, error) {
		return nil, custom
	})
	_, err := x.Call(newTC("fc4"), nil)
	assert.Same(t, custom, err)
}

type weatherIn struct {
	City  string `json:"city" description:"City name"`
	Units string `json:"units,omitempty"`
}

type weatherOut struct {
	City string  `json:"city"`
	Temp float64 `json:"temp"`
}

func TestTypedTool(t *testing.T) {
	w := NewTypedTool("weather", "Get weather", func(_ *ToolContext, in weatherIn) (weatherOut, error) {
		return weatherOut{City: in.City, Temp: 21}, nil
	})

	schema := w.InputSchema()
	assert.Equal(t, []string{"city"}, schema["required"])

	out, err := w.Call(newTC("fc5"), map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, weatherOut{City: "Berlin", Temp: 21}, out)

	_, err = w.Call(newTC("fc6"), map[string]any{"units": "c"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestInterrupt(t *testing.T) {
	approve := NewFunctionTool("approve", "", map[string]any{"type": "object"}, func(tc *ToolContext, _ map[string]any) (any, error) {
		return nil, tc.Interrupt(map[string]any{"question": "ok?"})
	})
	tc := NewToolContext(context.Background(), core.ToolRequest{Ref: "r1", Name: "approve", Input: map[string]any{"amount": 5.0}}, nil)

	_, err := approve.Call(tc, map[string]any{"amount": 5.0})
	ie, ok := AsInterrupt(err)
	require.True(t, ok)
	assert.Equal(t, "r1", ie.Request.Ref)
	assert.Equal(t, "approve", ie.Request.Name)
	assert.Equal(t, "ok?", ie.Metadata["question"])
}

func TestDefineAndRunJSON(t *testing.T) {
	r := core.NewRegistry()
	sum := NewFunctionTool("sum", "Add numbers", sumSchema(), func(_ *ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
	a, err := Define(r, sum)
	require.NoError(t, err)
	assert.Equal(t, "/tool/sum", a.Key())
	assert.Equal(t, "Add numbers", a.Desc().Description)

	res, err := a.RunJSON(context.Background(), json.RawMessage(`{"a":1,"b":2}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(res.Result))

	got, ok := Lookup(r, "sum")
	require.True(t, ok)
	assert.Same(t, sum, got)

	_, err = LookupAll(r, "sum", "missing")
	assert.Equal(t, core.StatusNotFound, core.StatusOf(err))
}

func TestDefineMapsToolErrors(t *testing.T) {
	r := core.NewRegistry()
	fail := NewFunctionTool("fail", "", map[string]any{"type": "object"}, func(_ *ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	a, err := Define(r, fail)
	require.NoError(t, err)

	_, err = a.RunJSON(context.Background(), json.RawMessage(`{}`), nil)
	assert.Equal(t, core.StatusInternal, core.StatusOf(err))
}
