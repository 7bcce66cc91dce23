package agent

import (
	"fmt"

	"github.com/hupe1980/flowkit/tool"
)

// StateToolName is the name of the tool returned by NewStateTool.
const StateToolName = "session_state"

// NewStateTool returns a tool that lets the model read and write the state
// of the current session. Operations: get, set, delete and list.
func NewStateTool() tool.Tool {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"get", "set", "delete", "list"},
				"description": "The state operation to perform",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "State key for get, set and delete",
			},
			"value": map[string]any{
				"description": "Value for set (any type)",
			},
		},
		"required": []string{"operation"},
	}

	return tool.NewFunctionTool(StateToolName,
		"Reads and writes the state of the current conversation session.",
		schema,
		func(tc *tool.ToolContext, args map[string]any) (any, error) {
			sess := SessionFromContext(tc.Context())
			if sess == nil {
				return nil, tool.NewToolError(StateToolName, "no session in context", tool.CodeExecution)
			}

			op, _ := args["operation"].(string)
			key, _ := args["key"].(string)
			if op != "list" && key == "" {
				return nil, tool.NewToolError(StateToolName, fmt.Sprintf("operation %s requires a key", op), tool.CodeValidation)
			}

			switch op {
			case "get":
				v, ok := sess.GetState(key)
				return map[string]any{"key": key, "value": v, "found": ok}, nil
			case "set":
				sess.UpdateState(map[string]any{key: args["value"]})
				return map[string]any{"key": key, "updated": true}, nil
			case "delete":
				if err := sess.PatchState([]byte(fmt.Sprintf(`{%q:null}`, key))); err != nil {
					return nil, err
				}
				return map[string]any{"key": key, "deleted": true}, nil
			case "list":
				keys := make([]string, 0)
				for k := range sess.StateSnapshot() {
					keys = append(keys, k)
				}
				return map[string]any{"keys": keys}, nil
			default:
				return nil, tool.NewToolError(StateToolName, fmt.Sprintf("unknown operation %q", op), tool.CodeValidation)
			}
		})
}
