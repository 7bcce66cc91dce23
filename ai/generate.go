// Package ai implements generation on top of the model layer: it resolves
// the model, runs the tool-calling loop and supports interrupts and typed
// output.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/internal/util"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/model"
	"github.com/hupe1980/flowkit/tool"
)

// Response is the outcome of Generate.
type Response struct {
	// Message is the last model message.
	Message      core.Content       `json:"message"`
	FinishReason model.FinishReason `json:"finishReason"`
	Usage        model.Usage        `json:"usage"`
	// History is the full conversation including Message.
	History []core.Content `json:"history"`
	// Interrupts lists the tool requests that paused the loop.
	Interrupts []*tool.InterruptError `json:"interrupts,omitempty"`
	// PendingOutputs are the responses of tools that completed in the
	// interrupted turn. They are also recorded on the last model message,
	// so resuming from History does not run those tools again.
	PendingOutputs []core.ToolResponse `json:"pendingOutputs,omitempty"`
	Turns      int                    `json:"turns"`
}

// Text returns the text of the last model message.
func (r *Response) Text() string { return r.Message.Text() }

// ToolRequests returns the tool requests of the last model message.
func (r *Response) ToolRequests() []core.ToolRequest { return r.Message.ToolRequests() }

// Generate calls a model, executing requested tools and feeding their
// responses back until the model answers without tool requests.
//
//	resp, err := ai.Generate(ctx, reg,
//	    ai.WithModelName("openai/gpt-4o-mini"),
//	    ai.WithPrompt("What is the weather in Berlin?"),
//	    ai.WithTools(weatherTool),
//	)
//
// Tool failures are reported to the model as error responses. A tool that
// interrupts ends the loop with FinishReason interrupted; pass answers back
// with WithMessages(resp.History...) and WithToolResponses to resume.
func Generate(ctx context.Context, r *core.Registry, optFns ...Option) (*Response, error) {
	opts := GenerateOptions{MaxTurns: DefaultMaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = engine.NoopMetrics{}
	}

	m, err := resolveModel(r, &opts)
	if err != nil {
		return nil, err
	}
	modelName := m.Info().QualifiedName()

	tools, err := resolveTools(r, &opts)
	if err != nil {
		return nil, err
	}
	toolIndex := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		toolIndex[t.Name()] = t
	}
	exec := &toolExecutor{tools: toolIndex, maxParallel: opts.MaxParallelTools, hooks: opts.Hooks, logger: logger}

	history := append([]core.Content(nil), opts.Messages...)
	if opts.Prompt != "" {
		history = append(history, core.NewUserText(opts.Prompt))
	}

	resp := &Response{}

	if len(opts.ToolResponses) > 0 {
		history, err = resumeHistory(ctx, exec, history, opts.ToolResponses)
		if err != nil {
			return nil, err
		}
	}

	limiter := NewTurnLimiter(opts.MaxTurns)
	for {
		if err := limiter.Increment(); err != nil {
			return nil, err
		}
		resp.Turns = limiter.Count()

		req := &model.Request{
			System:     opts.System,
			Messages:   history,
			Tools:      tool.Definitions(tools),
			ToolChoice: opts.ToolChoice,
			Config:     opts.Config,
			Stream:     opts.OnChunk != nil,
		}
		if err := opts.Hooks.Execute(ctx, &engine.HookContext{Type: engine.HookBeforeModel, Name: modelName, Input: req}); err != nil {
			return nil, core.WrapError(core.StatusAborted, err, "before_model hook rejected %s", modelName)
		}

		start := time.Now()
		mresp, err := callModel(ctx, m, *req, opts.OnChunk)
		tokens := 0
		if mresp != nil && mresp.Usage != nil {
			tokens = mresp.Usage.TotalTokens
		}
		logging.ModelCall(logger, modelName, tokens, time.Since(start), err)
		if err != nil {
			return nil, err
		}
		if mresp.Usage != nil {
			resp.Usage.Add(mresp.Usage)
			metrics.RecordModelUsage(ctx, modelName, mresp.Usage.InputTokens, mresp.Usage.OutputTokens)
		}

		if err := opts.Hooks.Execute(ctx, &engine.HookContext{Type: engine.HookAfterModel, Name: modelName, Input: req, Output: mresp}); err != nil {
			return nil, core.WrapError(core.StatusAborted, err, "after_model hook rejected %s", modelName)
		}

		msg := mresp.Message
		msg.Role = core.RoleModel
		history = append(history, msg)
		resp.Message = msg
		resp.FinishReason = mresp.FinishReason
		resp.History = history

		reqs := msg.ToolRequests()
		if len(reqs) == 0 || opts.ReturnToolRequests {
			return resp, nil
		}

		outcomes := exec.execute(ctx, reqs)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			parts     []core.Part
			completed []core.ToolResponse
		)
		for _, o := range outcomes {
			if o.interrupt != nil {
				resp.Interrupts = append(resp.Interrupts, o.interrupt)
				continue
			}
			completed = append(completed, o.response)
			parts = append(parts, core.ToolResponsePart{ToolResponse: o.response})
		}
		if len(resp.Interrupts) > 0 {
			if len(completed) > 0 {
				last := &history[len(history)-1]
				last.Metadata = withPendingOutputs(last.Metadata, completed)
				resp.Message = *last
				resp.PendingOutputs = completed
			}
			resp.FinishReason = model.FinishReasonInterrupted
			return resp, nil
		}
		history = append(history, core.NewContent(core.RoleTool, parts...))
	}
}

// metaPendingOutputs is the model message metadata key holding the tool
// responses completed before an interrupt.
const metaPendingOutputs = "pendingOutputs"

func withPendingOutputs(meta map[string]any, outputs []core.ToolResponse) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[metaPendingOutputs] = outputs
	return out
}

// pendingOutputs reads the responses recorded by withPendingOutputs. The
// metadata may have been through a JSON round trip.
func pendingOutputs(meta map[string]any) ([]core.ToolResponse, error) {
	v, ok := meta[metaPendingOutputs]
	if !ok {
		return nil, nil
	}
	if trs, ok := v.([]core.ToolResponse); ok {
		return trs, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, core.WrapError(core.StatusInvalidArgument, err, "encode pending tool outputs")
	}
	var trs []core.ToolResponse
	if err := json.Unmarshal(data, &trs); err != nil {
		return nil, core.WrapError(core.StatusInvalidArgument, err, "decode pending tool outputs")
	}
	return trs, nil
}

// resumeHistory answers the pending tool requests of the last model
// message. Supplied answers win over outputs recorded at the interrupt;
// requests with neither are executed again.
func resumeHistory(ctx context.Context, exec *toolExecutor, history []core.Content, answers []core.ToolResponse) ([]core.Content, error) {
	if len(history) == 0 || history[len(history)-1].Role != core.RoleModel {
		return nil, core.NewError(core.StatusFailedPrecondition, "tool responses given but the last message is not a model message")
	}
	last := history[len(history)-1]
	pending := last.ToolRequests()
	if len(pending) == 0 {
		return nil, core.NewError(core.StatusFailedPrecondition, "tool responses given but no tool requests are pending")
	}

	recorded, err := pendingOutputs(last.Metadata)
	if err != nil {
		return nil, err
	}
	byRef := make(map[string]core.ToolResponse, len(answers)+len(recorded))
	for _, r := range recorded {
		byRef[r.Ref] = r
	}
	for _, a := range answers {
		byRef[a.Ref] = a
	}
	if len(recorded) > 0 {
		history = append([]core.Content(nil), history...)
		last.Metadata = make(map[string]any, len(last.Metadata))
		for k, v := range history[len(history)-1].Metadata {
			if k != metaPendingOutputs {
				last.Metadata[k] = v
			}
		}
		if len(last.Metadata) == 0 {
			last.Metadata = nil
		}
		history[len(history)-1] = last
	}

	var rerun []core.ToolRequest
	for _, p := range pending {
		if _, ok := byRef[p.Ref]; !ok {
			rerun = append(rerun, p)
		}
	}
	rerunOut := exec.execute(ctx, rerun)
	for _, o := range rerunOut {
		if o.interrupt != nil {
			return nil, core.NewError(core.StatusFailedPrecondition, "tool %s interrupted again while resuming", o.interrupt.Request.Name)
		}
		byRef[o.response.Ref] = o.response
	}

	parts := make([]core.Part, 0, len(pending))
	for _, p := range pending {
		tr := byRef[p.Ref]
		if tr.Name == "" {
			tr.Name = p.Name
		}
		parts = append(parts, core.ToolResponsePart{ToolResponse: tr})
	}
	return append(history, core.NewContent(core.RoleTool, parts...)), nil
}

func callModel(ctx context.Context, m model.Model, req model.Request, onChunk func(context.Context, model.Response) error) (*model.Response, error) {
	name := m.Info().QualifiedName()
	ctx, span := core.StartSpan(ctx, core.SpanMeta{Name: name, Type: core.SpanTypeAction, Subtype: string(core.ActionTypeModel)})
	core.SetSpanInput(span, req)

	var cb func(model.Response) error
	if onChunk != nil {
		cb = func(r model.Response) error { return onChunk(ctx, r) }
	}
	resp, err := model.Collect(ctx, m, req, cb)
	core.EndSpan(span, resp, err)
	return resp, err
}

func resolveModel(r *core.Registry, opts *GenerateOptions) (model.Model, error) {
	if opts.Model != nil {
		return opts.Model, nil
	}
	if r == nil {
		return nil, core.NewError(core.StatusInvalidArgument, "no model given and no registry to resolve one")
	}
	name := opts.ModelName
	if name == "" {
		def, ok := model.Default(r)
		if !ok {
			return nil, core.NewError(core.StatusInvalidArgument, "no model given and no default model configured")
		}
		name = def
	}
	m, _, ok := model.Lookup(r, name)
	if !ok {
		return nil, core.NewError(core.StatusNotFound, "model %s not found", name)
	}
	return m, nil
}

func resolveTools(r *core.Registry, opts *GenerateOptions) ([]tool.Tool, error) {
	tools := append([]tool.Tool(nil), opts.Tools...)
	if len(opts.ToolNames) > 0 {
		if r == nil {
			return nil, core.NewError(core.StatusInvalidArgument, "tool names given without a registry")
		}
		named, err := tool.LookupAll(r, opts.ToolNames...)
		if err != nil {
			return nil, err
		}
		tools = append(tools, named...)
	}
	return tools, nil
}

// GenerateText returns only the text of the final message.
func GenerateText(ctx context.Context, r *core.Registry, optFns ...Option) (string, error) {
	resp, err := Generate(ctx, r, optFns...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GenerateData asks for JSON output matching T and decodes it.
func GenerateData[T any](ctx context.Context, r *core.Registry, optFns ...Option) (T, *Response, error) {
	var out T
	schema, err := json.Marshal(util.SchemaFor[T]())
	if err != nil {
		return out, nil, core.WrapError(core.StatusInternal, err, "encode output schema")
	}
	hint := fmt.Sprintf("Respond only with JSON that conforms to this JSON schema:\n%s", schema)
	optFns = append(optFns, func(o *GenerateOptions) {
		if o.System == "" {
			o.System = hint
			return
		}
		o.System += "\n\n" + hint
	})

	resp, err := Generate(ctx, r, optFns...)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text())), &out); err != nil {
		return out, resp, core.WrapError(core.StatusInvalidArgument, err, "model output is not valid JSON for %T", out)
	}
	return out, resp, nil
}

// extractJSON strips a surrounding markdown code fence.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
