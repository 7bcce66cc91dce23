// Package tool implements tool calling: Go functions exposed to models with
// schema validated arguments, uniform error codes and interrupt support.
package tool

import (
	"fmt"

	"github.com/hupe1980/flowkit/internal/util"
	"github.com/hupe1980/flowkit/model"
)

// Tool is a capability a model can request during generation.
//
// Implementations should be safe for concurrent use; the same tool may be
// called from several runs at once.
type Tool interface {
	// Name is the identifier models use to request the tool (snake_case recommended).
	Name() string
	// Description tells the model when to use the tool.
	Description() string
	// InputSchema is the JSON schema of the accepted arguments.
	InputSchema() map[string]any
	// Call executes the tool. args have already been decoded from JSON.
	Call(tc *ToolContext, args map[string]any) (any, error)
}

// ValidationError describes an argument that does not match the schema.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Definition converts t into the declaration sent to models.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

// Definitions converts a tool set into model declarations.
func Definitions(tools []Tool) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = Definition(t)
	}
	return defs
}
