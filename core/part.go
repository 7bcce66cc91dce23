package core

import (
	"encoding/json"
	"fmt"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string
	Metadata map[string]any
}

func (TextPart) isPart() {}

// DataPart is a structured data segment.
type DataPart struct {
	Data     any
	Metadata map[string]any
}

func (DataPart) isPart() {}

// MediaPart references media by URL (http(s) or data: URI).
type MediaPart struct {
	ContentType string
	URL         string
	Metadata    map[string]any
}

func (MediaPart) isPart() {}

// ToolRequest describes a tool invocation requested by a model.
type ToolRequest struct {
	Ref   string         `json:"ref,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolRequestPart wraps a ToolRequest as a content part.
type ToolRequestPart struct {
	ToolRequest ToolRequest
	Metadata    map[string]any
}

func (ToolRequestPart) isPart() {}

// ToolResponse describes the outcome of a tool request. Ref matches the
// originating ToolRequest.
type ToolResponse struct {
	Ref    string `json:"ref,omitempty"`
	Name   string `json:"name"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolResponsePart wraps a ToolResponse as a content part.
type ToolResponsePart struct {
	ToolResponse ToolResponse
	Metadata     map[string]any
}

func (ToolResponsePart) isPart() {}

// NewTextPart returns a TextPart.
func NewTextPart(text string) Part { return TextPart{Text: text} }

// NewDataPart returns a DataPart.
func NewDataPart(data any) Part { return DataPart{Data: data} }

// NewMediaPart returns a MediaPart.
func NewMediaPart(contentType, url string) Part {
	return MediaPart{ContentType: contentType, URL: url}
}

// NewToolRequestPart returns a ToolRequestPart.
func NewToolRequestPart(ref, name string, input map[string]any) Part {
	return ToolRequestPart{ToolRequest: ToolRequest{Ref: ref, Name: name, Input: input}}
}

// NewToolResponsePart returns a ToolResponsePart.
func NewToolResponsePart(ref, name string, output any) Part {
	return ToolResponsePart{ToolResponse: ToolResponse{Ref: ref, Name: name, Output: output}}
}

const (
	partKindText         = "text"
	partKindData         = "data"
	partKindMedia        = "media"
	partKindToolRequest  = "toolRequest"
	partKindToolResponse = "toolResponse"
)

type partJSON struct {
	Kind         string         `json:"kind"`
	Text         string         `json:"text,omitempty"`
	Data         any            `json:"data,omitempty"`
	ContentType  string         `json:"contentType,omitempty"`
	URL          string         `json:"url,omitempty"`
	ToolRequest  *ToolRequest   `json:"toolRequest,omitempty"`
	ToolResponse *ToolResponse  `json:"toolResponse,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MarshalPart encodes a part with its kind discriminator.
func MarshalPart(p Part) ([]byte, error) {
	var pj partJSON
	switch v := p.(type) {
	case TextPart:
		pj = partJSON{Kind: partKindText, Text: v.Text, Metadata: v.Metadata}
	case DataPart:
		pj = partJSON{Kind: partKindData, Data: v.Data, Metadata: v.Metadata}
	case MediaPart:
		pj = partJSON{Kind: partKindMedia, ContentType: v.ContentType, URL: v.URL, Metadata: v.Metadata}
	case ToolRequestPart:
		tr := v.ToolRequest
		pj = partJSON{Kind: partKindToolRequest, ToolRequest: &tr, Metadata: v.Metadata}
	case ToolResponsePart:
		tr := v.ToolResponse
		pj = partJSON{Kind: partKindToolResponse, ToolResponse: &tr, Metadata: v.Metadata}
	default:
		return nil, fmt.Errorf("unknown part type %T", p)
	}
	return json.Marshal(pj)
}

// UnmarshalPart decodes a part produced by MarshalPart.
func UnmarshalPart(data []byte) (Part, error) {
	var pj partJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, err
	}
	switch pj.Kind {
	case partKindText:
		return TextPart{Text: pj.Text, Metadata: pj.Metadata}, nil
	case partKindData:
		return DataPart{Data: pj.Data, Metadata: pj.Metadata}, nil
	case partKindMedia:
		return MediaPart{ContentType: pj.ContentType, URL: pj.URL, Metadata: pj.Metadata}, nil
	case partKindToolRequest:
		if pj.ToolRequest == nil {
			return nil, fmt.Errorf("toolRequest part without payload")
		}
		return ToolRequestPart{ToolRequest: *pj.ToolRequest, Metadata: pj.Metadata}, nil
	case partKindToolResponse:
		if pj.ToolResponse == nil {
			return nil, fmt.Errorf("toolResponse part without payload")
		}
		return ToolResponsePart{ToolResponse: *pj.ToolResponse, Metadata: pj.Metadata}, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", pj.Kind)
	}
}
