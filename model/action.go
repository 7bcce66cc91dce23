package model

import (
	"context"

	"github.com/hupe1980/flowkit/core"
)

// Action is the registered form of a model.
type Action = core.ActionDef[Request, Response, Response]

const (
	valueTypeModel   = "model"
	valueDefaultName = "defaultModel"
)

// Define registers m as action "/model/<provider>/<name>".
func Define(r *core.Registry, m Model) (*Action, error) {
	info := m.Info()
	name := info.QualifiedName()

	a := core.NewStreamingAction(name, core.ActionTypeModel,
		func(ctx context.Context, req Request, cb core.StreamCallback[Response]) (Response, error) {
			var onChunk func(Response) error
			if cb != nil {
				req.Stream = true
				onChunk = func(resp Response) error { return cb(ctx, resp) }
			}
			resp, err := Collect(ctx, m, req, onChunk)
			if err != nil {
				return Response{}, err
			}
			return *resp, nil
		},
		core.WithMetadata("model", map[string]any{
			"label":    name,
			"supports": map[string]any{"tools": info.SupportsTools, "streaming": info.SupportsStreaming},
		}),
	)
	if err := r.RegisterAction(a); err != nil {
		return nil, err
	}
	r.RegisterValue(valueTypeModel, name, m)
	return a, nil
}

// Lookup returns the model registered as "provider/name" together with its
// action.
func Lookup(r *core.Registry, name string) (Model, *Action, bool) {
	v, ok := r.LookupValue(valueTypeModel, name)
	if !ok {
		return nil, nil, false
	}
	a, ok := r.LookupAction(core.Key(core.ActionTypeModel, name))
	if !ok {
		return nil, nil, false
	}
	act, ok := a.(*Action)
	if !ok {
		return nil, nil, false
	}
	return v.(Model), act, true
}

// SetDefault records name as the registry's default model.
func SetDefault(r *core.Registry, name string) {
	r.RegisterValue(valueDefaultName, valueDefaultName, name)
}

// Default returns the name of the registry's default model.
func Default(r *core.Registry) (string, bool) {
	v, ok := r.LookupValue(valueDefaultName, valueDefaultName)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
