package reflection

import (
	"encoding/json"
	"errors"

	"go.lsp.dev/jsonrpc2"

	"github.com/hupe1980/flowkit/core"
)

// JSON-RPC error codes of action failures. The standard codes come from
// jsonrpc2.
const (
	CodeActionFailed    jsonrpc2.Code = -32000
	CodeActionCancelled jsonrpc2.Code = -32001
	CodeNotFound        jsonrpc2.Code = -32002
)

// rpcError converts err into a JSON-RPC error whose data is an ErrorBody.
func rpcError(err error, traceID string) *jsonrpc2.Error {
	var re *jsonrpc2.Error
	if errors.As(err, &re) {
		return re
	}
	body := newErrorBody(err, traceID)
	code := CodeActionFailed
	switch body.Code {
	case core.StatusCancelled:
		code = CodeActionCancelled
	case core.StatusNotFound:
		code = CodeNotFound
	case core.StatusInvalidArgument:
		if traceID == "" {
			code = jsonrpc2.InvalidParams
		}
	}
	out := jsonrpc2.NewError(code, body.Message)
	if data, mErr := json.Marshal(body); mErr == nil {
		raw := json.RawMessage(data)
		out.Data = &raw
	}
	return out
}

// fromRPCError restores a core error from a JSON-RPC error received from
// the peer.
func fromRPCError(err error) error {
	var re *jsonrpc2.Error
	if !errors.As(err, &re) {
		return err
	}
	if re.Data != nil {
		var body ErrorBody
		if json.Unmarshal(*re.Data, &body) == nil && body.Code != "" {
			return &core.Error{Status: body.Code, Message: body.Message, Details: body.Details}
		}
	}
	switch re.Code {
	case CodeActionCancelled:
		return core.NewError(core.StatusCancelled, "%s", re.Message)
	case CodeNotFound:
		return core.NewError(core.StatusNotFound, "%s", re.Message)
	case jsonrpc2.MethodNotFound:
		return core.NewError(core.StatusUnimplemented, "%s", re.Message)
	case jsonrpc2.InvalidParams:
		return core.NewError(core.StatusInvalidArgument, "%s", re.Message)
	default:
		return core.NewError(core.StatusInternal, "%s", re.Message)
	}
}
