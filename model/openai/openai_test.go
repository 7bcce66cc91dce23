package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/model"
)

func TestBuildMessages(t *testing.T) {
	req := model.Request{
		System: "be brief",
		Messages: []core.Content{
			core.NewUserText("weather in Berlin?"),
			core.NewContent(core.RoleModel, core.NewToolRequestPart("call_1", "weather", map[string]any{"city": "Berlin"})),
			core.NewContent(core.RoleTool, core.NewToolResponsePart("call_1", "weather", map[string]any{"temp": 21})),
			core.NewModelText("It is 21 degrees."),
		},
	}

	msgs := buildMessages(req)
	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].OfAssistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Berlin"}`, msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "call_1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[4].OfAssistant)
}

func TestToolOutput(t *testing.T) {
	assert.Equal(t, "plain", toolOutput(core.ToolResponse{Output: "plain"}))
	assert.Equal(t, `{"a":1}`, toolOutput(core.ToolResponse{Output: map[string]any{"a": 1}}))
	assert.Equal(t, "error: boom", toolOutput(core.ToolResponse{Error: "boom"}))
}

func TestToolRequestPart(t *testing.T) {
	p := toolRequestPart("id", "t", `{"x":1}`).(core.ToolRequestPart)
	assert.Equal(t, map[string]any{"x": float64(1)}, p.ToolRequest.Input)

	bad := toolRequestPart("id", "t", `{broken`).(core.ToolRequestPart)
	assert.Equal(t, "{broken", bad.ToolRequest.Input["_raw"])

	empty := toolRequestPart("id", "t", "").(core.ToolRequestPart)
	assert.Empty(t, empty.ToolRequest.Input)
}

func TestBuildParams(t *testing.T) {
	m := NewModelFromClient(nil, func(o *Options) { o.Model = "gpt-test" })
	temp := 0.1
	params := m.buildParams(model.Request{
		Tools:  []model.ToolDefinition{{Name: "weather", Description: "get weather", InputSchema: map[string]any{"type": "object"}}},
		Config: model.GenerationConfig{Temperature: &temp, MaxOutputTokens: 10},
	}, nil)

	assert.Equal(t, "gpt-test", params.Model)
	assert.Equal(t, 0.1, params.Temperature.Value)
	assert.Equal(t, int64(10), params.MaxCompletionTokens.Value)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "weather", params.Tools[0].Function.Name)

	none := m.buildParams(model.Request{
		Tools:      []model.ToolDefinition{{Name: "weather"}},
		ToolChoice: model.ToolChoiceNone,
	}, nil)
	assert.Empty(t, none.Tools)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, model.FinishReasonStop, mapFinishReason("tool_calls"))
	assert.Equal(t, model.FinishReasonLength, mapFinishReason("length"))
	assert.Equal(t, model.FinishReasonBlocked, mapFinishReason("content_filter"))
	assert.Equal(t, model.FinishReasonOther, mapFinishReason("weird"))
}

func TestPluginRegistersModels(t *testing.T) {
	r := core.NewRegistry()
	p := &Plugin{APIKey: "test", Models: []string{"gpt-a", "gpt-b"}, Default: true}
	require.NoError(t, p.Init(context.Background(), r))

	_, _, ok := model.Lookup(r, "openai/gpt-b")
	assert.True(t, ok)
	def, ok := model.Default(r)
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-a", def)
}
