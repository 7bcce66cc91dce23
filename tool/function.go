package tool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/flowkit/internal/util"
)

// FunctionTool exposes a plain Go function as a tool.
//
// Arguments are validated against the schema before fn runs. Failures are
// reported as *ToolError:
//
//	validation failure      -> Code VALIDATION_ERROR
//	fn returned *ToolError  -> forwarded unchanged
//	any other fn error      -> Code EXECUTION_ERROR
//
// Interrupts raised through ToolContext.Interrupt pass through untouched.
// A FunctionTool is immutable after construction.
type FunctionTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(tc *ToolContext, args map[string]any) (any, error)
}

var _ Tool = (*FunctionTool)(nil)

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
//	sum := NewFunctionTool("sum", "Add two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(tc *ToolContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  })
func NewFunctionTool(
	name, description string,
	schema map[string]any,
	fn func(tc *ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{name: name, description: description, schema: schema, fn: fn}
}

// NewFunctionToolFromStruct derives the schema from an argument struct.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(tc *ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// NewTypedTool wraps a function taking a typed argument struct. The schema is
// inferred from In and the validated arguments are decoded into it.
func NewTypedTool[In, Out any](
	name, description string,
	fn func(tc *ToolContext, in In) (Out, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.SchemaFor[In](), func(tc *ToolContext, args map[string]any) (any, error) {
		var in In
		b, err := json.Marshal(args)
		if err != nil {
			return nil, &ToolError{Tool: name, Message: err.Error(), Code: CodeValidation}
		}
		if err := json.Unmarshal(b, &in); err != nil {
			return nil, &ToolError{Tool: name, Message: fmt.Sprintf("decode arguments: %v", err), Code: CodeValidation}
		}
		return fn(tc, in)
	})
}

// Name implements Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool) Description() string { return t.description }

// InputSchema implements Tool.
func (t *FunctionTool) InputSchema() map[string]any { return t.schema }

// Call implements Tool.
func (t *FunctionTool) Call(tc *ToolContext, args map[string]any) (any, error) {
	logger := tc.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "ref", tc.Ref())

	if args == nil {
		args = map[string]any{}
	}
	if err := util.ValidateParameters(args, t.schema); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(tc, args)
	if err != nil {
		if ie, ok := AsInterrupt(err); ok {
			logger.Info("tool.call.interrupted", "tool", t.name, "ref", tc.Ref())
			return nil, ie
		}
		if toolErr, ok := err.(*ToolError); ok {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)
			return nil, toolErr
		}
		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
