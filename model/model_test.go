package model

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/core"
)

func TestMockModelEcho(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("hi", "hello there")

	resp, err := Collect(context.Background(), m, Request{Messages: []core.Content{core.NewUserText("hi")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text())
	assert.Equal(t, FinishReasonStop, resp.FinishReason)

	resp, err = Collect(context.Background(), m, Request{Messages: []core.Content{core.NewUserText("other")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Text())
	assert.Len(t, m.Requests(), 2)
}

func TestMockModelStreaming(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("hi", "one two three")

	var chunks []string
	resp, err := Collect(context.Background(), m, Request{
		Messages: []core.Content{core.NewUserText("hi")},
		Stream:   true,
	}, func(r Response) error {
		chunks = append(chunks, r.Text())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, chunks)
	assert.Equal(t, "one two three", resp.Text())
}

func TestMockModelScriptAndErrors(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.Enqueue(Response{Message: core.NewContent(core.RoleModel, core.NewToolRequestPart("1", "t", nil))})
	m.EnqueueError(errors.New("rate limited"))

	resp, err := Collect(context.Background(), m, Request{}, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Message.ToolRequests(), 1)
	assert.Equal(t, FinishReasonStop, resp.FinishReason)

	_, err = Collect(context.Background(), m, Request{}, nil)
	assert.EqualError(t, err, "rate limited")

	_, err = Collect(context.Background(), m, Request{}, nil)
	assert.ErrorContains(t, err, "no messages")
}

func TestCollectStopsOnChunkError(t *testing.T) {
	m := NewMockModel("mock", "test")
	stop := errors.New("stop")
	_, err := Collect(context.Background(), m, Request{
		Messages: []core.Content{core.NewUserText("x")},
		Stream:   true,
	}, func(Response) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestDefineAndLookup(t *testing.T) {
	r := core.NewRegistry()
	m := NewMockModel("echo", "mock")

	a, err := Define(r, m)
	require.NoError(t, err)
	assert.Equal(t, "/model/mock/echo", a.Key())

	_, err = Define(r, m)
	assert.Equal(t, core.StatusAlreadyExists, core.StatusOf(err))

	got, act, ok := Lookup(r, "mock/echo")
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Same(t, a, act)

	_, _, ok = Lookup(r, "mock/missing")
	assert.False(t, ok)

	SetDefault(r, "mock/echo")
	name, ok := Default(r)
	require.True(t, ok)
	assert.Equal(t, "mock/echo", name)
}

func TestModelActionStreamsOverJSON(t *testing.T) {
	r := core.NewRegistry()
	m := NewMockModel("echo", "mock")
	m.AddResponse("hi", "a b")
	a, err := Define(r, m)
	require.NoError(t, err)

	input, err := json.Marshal(Request{Messages: []core.Content{core.NewUserText("hi")}})
	require.NoError(t, err)

	var chunks int
	res, err := a.RunJSON(context.Background(), input, &core.RunOptions{
		OnChunk: func(ctx context.Context, chunk json.RawMessage) error {
			chunks++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, chunks)

	var out Response
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, "a b", out.Text())
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{}
	u.Add(&Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	u.Add(nil)
	assert.Equal(t, Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}, *u)
}
