// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language models inside flowkit.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool request representation (ToolDefinition, core.ToolRequestPart)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (openai, anthropic) implement Model and ship a core.Plugin that
// registers their models as "/model/<provider>/<name>" actions via Define.
package model
