package testutil

import (
	"github.com/hupe1980/flowkit/core"
)

// ConversationBuilder provides a fluent helper for constructing message
// histories in tests.
// Example:
//
//	msgs := NewConversationBuilder().User("hi").Model("hello").Build()
type ConversationBuilder struct {
	msgs []core.Content
}

// NewConversationBuilder creates an empty builder.
func NewConversationBuilder() *ConversationBuilder { return &ConversationBuilder{} }

// User appends a user text message (chainable).
func (b *ConversationBuilder) User(text string) *ConversationBuilder {
	b.msgs = append(b.msgs, core.NewUserText(text))
	return b
}

// Model appends a model text message (chainable).
func (b *ConversationBuilder) Model(text string) *ConversationBuilder {
	b.msgs = append(b.msgs, core.NewModelText(text))
	return b
}

// System appends a system message (chainable).
func (b *ConversationBuilder) System(text string) *ConversationBuilder {
	b.msgs = append(b.msgs, core.NewSystemText(text))
	return b
}

// ToolCall appends a model message requesting a single tool (chainable).
func (b *ConversationBuilder) ToolCall(ref, name string, input map[string]any) *ConversationBuilder {
	b.msgs = append(b.msgs, core.NewContent(core.RoleModel, core.NewToolRequestPart(ref, name, input)))
	return b
}

// ToolResult appends a tool message answering ref (chainable).
func (b *ConversationBuilder) ToolResult(ref, name string, output any) *ConversationBuilder {
	b.msgs = append(b.msgs, core.NewContent(core.RoleTool, core.NewToolResponsePart(ref, name, output)))
	return b
}

// Message appends an arbitrary message (chainable).
func (b *ConversationBuilder) Message(c core.Content) *ConversationBuilder {
	b.msgs = append(b.msgs, c)
	return b
}

// Build returns a copy of the accumulated messages.
func (b *ConversationBuilder) Build() []core.Content {
	return append([]core.Content(nil), b.msgs...)
}
