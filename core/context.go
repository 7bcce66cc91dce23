package core

import (
	"context"
	"encoding/json"
)

// ActionContext carries request-scoped values such as auth claims or a
// durable flow id from the caller into running actions.
type ActionContext map[string]any

type (
	actionContextKey struct{}
	streamCallbackKey struct{}
	inputStreamKey    struct{}
)

// WithActionContext attaches ac to ctx, merging over any context already there.
func WithActionContext(ctx context.Context, ac ActionContext) context.Context {
	if len(ac) == 0 {
		return ctx
	}
	merged := ActionContext{}
	for k, v := range ActionContextFrom(ctx) {
		merged[k] = v
	}
	for k, v := range ac {
		merged[k] = v
	}
	return context.WithValue(ctx, actionContextKey{}, merged)
}

// ActionContextFrom returns the action context of ctx, or nil.
func ActionContextFrom(ctx context.Context) ActionContext {
	ac, _ := ctx.Value(actionContextKey{}).(ActionContext)
	return ac
}

// String returns the string value stored under key.
func (ac ActionContext) String(key string) string {
	s, _ := ac[key].(string)
	return s
}

// RawStreamCallback receives JSON-encoded stream chunks.
type RawStreamCallback func(ctx context.Context, chunk json.RawMessage) error

// WithStreamCallback attaches a raw stream callback so nested actions can
// forward chunks to the outermost caller.
func WithStreamCallback(ctx context.Context, cb RawStreamCallback) context.Context {
	return context.WithValue(ctx, streamCallbackKey{}, cb)
}

// StreamCallbackFrom returns the raw stream callback of ctx, or nil.
func StreamCallbackFrom(ctx context.Context) RawStreamCallback {
	cb, _ := ctx.Value(streamCallbackKey{}).(RawStreamCallback)
	return cb
}

// WithInputStream attaches the input stream of a bidirectional action.
func WithInputStream(ctx context.Context, in <-chan json.RawMessage) context.Context {
	return context.WithValue(ctx, inputStreamKey{}, in)
}

// InputStreamFrom returns the input stream of a bidirectional action, or nil.
func InputStreamFrom(ctx context.Context) <-chan json.RawMessage {
	in, _ := ctx.Value(inputStreamKey{}).(<-chan json.RawMessage)
	return in
}
