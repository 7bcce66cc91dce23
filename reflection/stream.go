package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"go.lsp.dev/jsonrpc2"
)

// maxMessageSize bounds a single JSON-RPC message.
const maxMessageSize = 32 << 20

// wsStream is a jsonrpc2.Stream carrying one message per WebSocket text
// frame.
type wsStream struct {
	conn *websocket.Conn
}

var _ jsonrpc2.Stream = (*wsStream)(nil)

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(maxMessageSize)
	return &wsStream{conn: conn}
}

// Read returns the next well-formed message. Frames that do not decode are
// answered with a null-id error response and skipped, so one bad frame
// never tears down the connection.
func (s *wsStream) Read(ctx context.Context) (jsonrpc2.Message, int64, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, 0, err
		}
		if typ != websocket.MessageText {
			if err := s.writeDecodeError(ctx, jsonrpc2.InvalidRequest, fmt.Sprintf("unexpected %s frame", typ)); err != nil {
				return nil, 0, err
			}
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(data)
		if err == nil {
			return msg, int64(len(data)), nil
		}
		code := jsonrpc2.ParseError
		if json.Valid(data) {
			code = jsonrpc2.InvalidRequest
		}
		if err := s.writeDecodeError(ctx, code, err.Error()); err != nil {
			return nil, 0, err
		}
	}
}

// decodeErrorResponse is a response whose request id could not be read.
type decodeErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *jsonrpc2.ID    `json:"id"`
	Error   *jsonrpc2.Error `json:"error"`
}

func (s *wsStream) writeDecodeError(ctx context.Context, code jsonrpc2.Code, msg string) error {
	data, err := json.Marshal(decodeErrorResponse{JSONRPC: "2.0", Error: jsonrpc2.NewError(code, msg)})
	if err != nil {
		return fmt.Errorf("reflection: encode error response: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsStream) Write(ctx context.Context, msg jsonrpc2.Message) (int64, error) {
	if call, ok := msg.(*jsonrpc2.Call); ok {
		if hook, ok := ctx.Value(callHookKey{}).(func(jsonrpc2.ID)); ok {
			hook(call.ID())
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("reflection: encode message: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *wsStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	var ce websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type callHookKey struct{}

// withCallHook makes the stream report the id of the next call written
// with ctx, before the call leaves the process.
func withCallHook(ctx context.Context, hook func(jsonrpc2.ID)) context.Context {
	return context.WithValue(ctx, callHookKey{}, hook)
}

// idString renders a request id the way it appears in requestId fields.
func idString(id jsonrpc2.ID) string {
	data, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return strings.Trim(string(data), `"`)
}
