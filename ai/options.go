package ai

import (
	"context"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/model"
	"github.com/hupe1980/flowkit/tool"
)

// DefaultMaxTurns bounds the tool loop when WithMaxTurns is not given.
const DefaultMaxTurns = 5

// GenerateOptions collects the settings of one Generate call.
type GenerateOptions struct {
	Model     model.Model
	ModelName string

	System   string
	Prompt   string
	Messages []core.Content

	Tools      []tool.Tool
	ToolNames  []string
	ToolChoice model.ToolChoice

	Config   model.GenerationConfig
	MaxTurns int

	// OnChunk receives partial model responses. Setting it enables streaming.
	OnChunk func(ctx context.Context, chunk model.Response) error

	// ToolResponses answer pending tool requests of the last model message.
	ToolResponses []core.ToolResponse

	// ReturnToolRequests stops before executing tools and returns the
	// model message with its requests.
	ReturnToolRequests bool

	MaxParallelTools int

	Hooks   *engine.HookManager
	Metrics engine.MetricsRecorder
	Logger  logging.Logger
}

// Option configures Generate.
type Option func(o *GenerateOptions)

// WithModel uses m directly.
func WithModel(m model.Model) Option { return func(o *GenerateOptions) { o.Model = m } }

// WithModelName resolves "provider/name" from the registry.
func WithModelName(name string) Option { return func(o *GenerateOptions) { o.ModelName = name } }

// WithSystem sets the system instruction.
func WithSystem(s string) Option { return func(o *GenerateOptions) { o.System = s } }

// WithPrompt appends a user message with text p.
func WithPrompt(p string) Option { return func(o *GenerateOptions) { o.Prompt = p } }

// WithMessages sets the conversation history.
func WithMessages(msgs ...core.Content) Option {
	return func(o *GenerateOptions) { o.Messages = append(o.Messages, msgs...) }
}

// WithTools makes tools available to the model.
func WithTools(tools ...tool.Tool) Option {
	return func(o *GenerateOptions) { o.Tools = append(o.Tools, tools...) }
}

// WithToolNames makes registered tools available to the model.
func WithToolNames(names ...string) Option {
	return func(o *GenerateOptions) { o.ToolNames = append(o.ToolNames, names...) }
}

// WithToolChoice forces or forbids tool use.
func WithToolChoice(c model.ToolChoice) Option { return func(o *GenerateOptions) { o.ToolChoice = c } }

// WithConfig sets sampling parameters.
func WithConfig(c model.GenerationConfig) Option { return func(o *GenerateOptions) { o.Config = c } }

// WithMaxTurns bounds the number of model calls.
func WithMaxTurns(n int) Option { return func(o *GenerateOptions) { o.MaxTurns = n } }

// WithStreaming streams partial model responses to cb.
func WithStreaming(cb func(ctx context.Context, chunk model.Response) error) Option {
	return func(o *GenerateOptions) { o.OnChunk = cb }
}

// WithToolResponses resumes an interrupted generation.
func WithToolResponses(resps ...core.ToolResponse) Option {
	return func(o *GenerateOptions) { o.ToolResponses = append(o.ToolResponses, resps...) }
}

// WithReturnToolRequests disables automatic tool execution.
func WithReturnToolRequests() Option { return func(o *GenerateOptions) { o.ReturnToolRequests = true } }

// WithMaxParallelTools limits concurrent tool calls within one turn.
func WithMaxParallelTools(n int) Option { return func(o *GenerateOptions) { o.MaxParallelTools = n } }

// WithHooks runs model and tool hooks.
func WithHooks(h *engine.HookManager) Option { return func(o *GenerateOptions) { o.Hooks = h } }

// WithMetrics records token usage.
func WithMetrics(m engine.MetricsRecorder) Option { return func(o *GenerateOptions) { o.Metrics = m } }

// WithLogger sets the logger for model and tool calls.
func WithLogger(l logging.Logger) Option { return func(o *GenerateOptions) { o.Logger = l } }
