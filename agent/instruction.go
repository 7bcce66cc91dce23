package agent

import (
	"context"

	"github.com/hupe1980/flowkit/internal/util"
	"github.com/hupe1980/flowkit/session"
)

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(ctx context.Context, s *session.Session) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(ctx context.Context, s *session.Session) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, s *session.Session) (string, error) { return f(ctx, s) }

// Instruction is either a static template or a dynamic provider. Static
// text is rendered as a text/template against the session state.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, s *session.Session) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text.
func (i Instruction) Resolve(ctx context.Context, s *session.Session) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, s)
	}
	var state map[string]any
	if s != nil {
		state = s.StateSnapshot()
	}
	return util.RenderTemplate(i.text, state)
}
