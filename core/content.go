package core

import (
	"encoding/json"
	"strings"
)

// Role is the conversational role of a Content.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Content holds role + ordered parts.
type Content struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewContent builds a Content from parts.
func NewContent(role Role, parts ...Part) Content {
	return Content{Role: role, Parts: parts}
}

// NewUserText returns a user message containing text.
func NewUserText(text string) Content { return NewContent(RoleUser, TextPart{Text: text}) }

// NewModelText returns a model message containing text.
func NewModelText(text string) Content { return NewContent(RoleModel, TextPart{Text: text}) }

// NewSystemText returns a system message containing text.
func NewSystemText(text string) Content { return NewContent(RoleSystem, TextPart{Text: text}) }

// Text concatenates all text parts.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToolRequests returns the tool requests contained in c, in order.
func (c Content) ToolRequests() []ToolRequest {
	var out []ToolRequest
	for _, p := range c.Parts {
		if tr, ok := p.(ToolRequestPart); ok {
			out = append(out, tr.ToolRequest)
		}
	}
	return out
}

// ToolResponses returns the tool responses contained in c, in order.
func (c Content) ToolResponses() []ToolResponse {
	var out []ToolResponse
	for _, p := range c.Parts {
		if tr, ok := p.(ToolResponsePart); ok {
			out = append(out, tr.ToolResponse)
		}
	}
	return out
}

type contentJSON struct {
	Role     Role              `json:"role"`
	Parts    []json.RawMessage `json:"content"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// MarshalJSON encodes parts with their kind discriminator.
func (c Content) MarshalJSON() ([]byte, error) {
	cj := contentJSON{Role: c.Role, Metadata: c.Metadata, Parts: make([]json.RawMessage, 0, len(c.Parts))}
	for _, p := range c.Parts {
		b, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		cj.Parts = append(cj.Parts, b)
	}
	return json.Marshal(cj)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	var cj contentJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	c.Role = cj.Role
	c.Metadata = cj.Metadata
	c.Parts = make([]Part, 0, len(cj.Parts))
	for _, raw := range cj.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		c.Parts = append(c.Parts, p)
	}
	return nil
}
