// Package agent provides the agent primitive: a registered action that
// holds a conversation in a session, answers with a model and lets that
// model call tools.
//
// Each turn loads (or creates) the session, appends the user message to
// the chosen thread, runs ai.Generate over the thread history and saves the
// new messages back. Tools reach the current session through
// SessionFromContext. A tool that interrupts ends the turn with the pending
// request stored in the thread; the next turn supplying ToolResponses
// continues it.
//
//	a, err := agent.Define(reg, "support", func(o *agent.Options) {
//	    o.ModelName = "openai/gpt-4o-mini"
//	    o.Instruction = agent.NewInstructionFromText("You help {{.user}} with billing.")
//	    o.Tools = []tool.Tool{lookupInvoice}
//	})
//	out, err := a.Chat(ctx, "session-1", "Where is my invoice?")
package agent
