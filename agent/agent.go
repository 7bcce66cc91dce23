package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/flowkit/ai"
	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/model"
	"github.com/hupe1980/flowkit/session"
	"github.com/hupe1980/flowkit/tool"
)

// Options configures an Agent.
//
// Use functional options with Define to override defaults.
type Options struct {
	// Model takes precedence over ModelName; with neither the registry
	// default model is used.
	Model       model.Model
	ModelName   string
	Instruction Instruction
	Tools       []tool.Tool
	// ToolNames are resolved from the registry on every turn.
	ToolNames []string
	Config    model.GenerationConfig
	MaxTurns  int
	// Sessions overrides SessionStore.
	Sessions     *session.Manager
	SessionStore session.Store
	Description  string
	Hooks        *engine.HookManager
	Metrics      engine.MetricsRecorder
	Logger       logging.Logger
}

// Input is the input of one agent turn.
type Input struct {
	// SessionID selects the session; empty starts a new one.
	SessionID string `json:"sessionId,omitempty"`
	// Thread defaults to session.DefaultThread.
	Thread  string        `json:"thread,omitempty"`
	Message *core.Content `json:"message,omitempty"`
	// ToolResponses answer the requests that interrupted the previous turn.
	ToolResponses []core.ToolResponse `json:"toolResponses,omitempty"`
}

// Interrupt describes a tool request waiting for an answer.
type Interrupt struct {
	Ref      string         `json:"ref,omitempty"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Output is the result of one agent turn.
type Output struct {
	SessionID    string             `json:"sessionId"`
	Thread       string             `json:"thread"`
	Message      core.Content       `json:"message"`
	FinishReason model.FinishReason `json:"finishReason"`
	Interrupts   []Interrupt        `json:"interrupts,omitempty"`
	State        map[string]any     `json:"state,omitempty"`
}

// Text returns the text of the answer.
func (o *Output) Text() string { return o.Message.Text() }

// Agent is a registered agent.
type Agent struct {
	name     string
	opts     Options
	registry *core.Registry
	sessions *session.Manager
	logger   logging.Logger
	action   *core.ActionDef[Input, *Output, model.Response]
}

// Define registers an agent under /agent/<name>.
func Define(r *core.Registry, name string, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{
		Instruction: NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", name)),
		MaxTurns:    ai.DefaultMaxTurns,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager(opts.SessionStore, logger)
	}

	a := &Agent{name: name, opts: opts, registry: r, sessions: sessions, logger: logger}

	var actionOpts []core.ActionOption
	if opts.Description != "" {
		actionOpts = append(actionOpts, core.WithDescription(opts.Description))
	}
	a.action = core.NewStreamingAction(name, core.ActionTypeAgent, a.turn, actionOpts...)
	if r != nil {
		if err := r.RegisterAction(a.action); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Action returns the registered action.
func (a *Agent) Action() *core.ActionDef[Input, *Output, model.Response] { return a.action }

// Sessions returns the session manager.
func (a *Agent) Sessions() *session.Manager { return a.sessions }

// Run executes one turn. A non-nil onChunk receives partial model output.
func (a *Agent) Run(ctx context.Context, in Input, onChunk core.StreamCallback[model.Response]) (*Output, error) {
	return a.action.Run(ctx, in, onChunk)
}

// Chat sends text as a user message on the default thread.
func (a *Agent) Chat(ctx context.Context, sessionID, text string) (*Output, error) {
	msg := core.NewUserText(text)
	return a.Run(ctx, Input{SessionID: sessionID, Message: &msg}, nil)
}

func (a *Agent) turn(ctx context.Context, in Input, cb core.StreamCallback[model.Response]) (*Output, error) {
	if in.Message == nil && len(in.ToolResponses) == 0 {
		return nil, core.NewError(core.StatusInvalidArgument, "agent %s: message or tool responses required", a.name)
	}

	sid := in.SessionID
	if sid == "" {
		sid = core.NewID()
	}
	thread := in.Thread
	if thread == "" {
		thread = session.DefaultThread
	}

	unlock := a.sessions.Lock(sid)
	defer unlock()

	sess, err := a.sessions.Load(ctx, sid)
	if err != nil {
		return nil, err
	}

	history := sess.Messages(thread)
	if in.Message != nil {
		msg := *in.Message
		if msg.Role == "" {
			msg.Role = core.RoleUser
		}
		history = append(history, msg)
	}

	system, err := a.opts.Instruction.Resolve(ctx, sess)
	if err != nil {
		return nil, core.WrapError(core.StatusInvalidArgument, err, "render instructions of agent %s", a.name)
	}

	genOpts := []ai.Option{
		ai.WithSystem(system),
		ai.WithMessages(history...),
		ai.WithTools(a.opts.Tools...),
		ai.WithToolNames(a.opts.ToolNames...),
		ai.WithConfig(a.opts.Config),
		ai.WithMaxTurns(a.opts.MaxTurns),
		ai.WithHooks(a.opts.Hooks),
		ai.WithMetrics(a.opts.Metrics),
		ai.WithLogger(a.logger),
	}
	if a.opts.Model != nil {
		genOpts = append(genOpts, ai.WithModel(a.opts.Model))
	} else if a.opts.ModelName != "" {
		genOpts = append(genOpts, ai.WithModelName(a.opts.ModelName))
	}
	if len(in.ToolResponses) > 0 {
		genOpts = append(genOpts, ai.WithToolResponses(in.ToolResponses...))
	}
	if cb != nil {
		genOpts = append(genOpts, ai.WithStreaming(cb))
	}

	resp, err := ai.Generate(withSession(ctx, sess), a.registry, genOpts...)
	if err != nil {
		return nil, err
	}

	// Everything after the stored thread is new: the user message, tool
	// results and model answers of this turn.
	stored := len(sess.Messages(thread))
	sess.AppendMessages(thread, resp.History[stored:]...)

	if err := a.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	out := &Output{
		SessionID:    sess.ID,
		Thread:       thread,
		Message:      resp.Message,
		FinishReason: resp.FinishReason,
		State:        sess.StateSnapshot(),
	}
	for _, ie := range resp.Interrupts {
		out.Interrupts = append(out.Interrupts, Interrupt{
			Ref:      ie.Request.Ref,
			Name:     ie.Request.Name,
			Input:    ie.Request.Input,
			Metadata: ie.Metadata,
		})
	}

	a.logger.Debug("agent.turn.completed",
		"agent", a.name,
		"session_id", sess.ID,
		"thread", thread,
		"turns", resp.Turns,
		"finish_reason", string(resp.FinishReason),
	)
	return out, nil
}
