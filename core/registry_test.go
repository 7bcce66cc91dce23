package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPlugin struct {
	name  string
	inits int
	err   error
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Init(ctx context.Context, r *Registry) error {
	p.inits++
	if p.err != nil {
		return p.err
	}
	return r.RegisterAction(NewAction(p.name+"-tool", ActionTypeTool, func(ctx context.Context, in string) (string, error) {
		return in, nil
	}))
}

func TestRegistryActions(t *testing.T) {
	r := NewRegistry()
	calls := 0

	require.NoError(t, r.RegisterAction(newGreet(&calls)))
	require.NoError(t, r.RegisterAction(NewAction("b", ActionTypeTool, func(ctx context.Context, in string) (string, error) { return in, nil })))
	require.NoError(t, r.RegisterAction(NewAction("a", ActionTypeTool, func(ctx context.Context, in string) (string, error) { return in, nil })))

	err := r.RegisterAction(newGreet(&calls))
	assert.Equal(t, StatusAlreadyExists, StatusOf(err))

	a, ok := r.LookupAction("/flow/greet")
	require.True(t, ok)
	assert.Equal(t, "greet", a.Name())

	_, ok = r.LookupAction("/flow/missing")
	assert.False(t, ok)

	keys := []string{}
	for _, d := range r.ListActions() {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"/flow/greet", "/tool/a", "/tool/b"}, keys)
}

func TestRegistryValues(t *testing.T) {
	r := NewRegistry()
	r.RegisterValue("defaultModel", "defaultModel", "openai/gpt-4o-mini")

	v, ok := r.LookupValue("defaultModel", "defaultModel")
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-4o-mini", v)
	assert.Len(t, r.Values("defaultModel"), 1)
	assert.Empty(t, r.Values("other"))
}

func TestRegistryInitPlugins(t *testing.T) {
	r := NewRegistry()
	p := &testPlugin{name: "p"}
	r.UsePlugin(p)

	require.NoError(t, r.InitPlugins(context.Background()))
	require.NoError(t, r.InitPlugins(context.Background()))
	assert.Equal(t, 1, p.inits)

	a, ok := r.LookupAction("/tool/p-tool")
	require.True(t, ok)
	res, err := a.RunJSON(context.Background(), json.RawMessage(`"x"`), nil)
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(res.Result))

	bad := &testPlugin{name: "bad", err: errors.New("nope")}
	r.UsePlugin(bad)
	assert.ErrorContains(t, r.InitPlugins(context.Background()), "init plugin bad")
}
