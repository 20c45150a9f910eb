package model

import (
	"context"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/protocol"
)

// ToolKind selects how a tool is exposed to the model.
type ToolKind string

const (
	// ToolFunction takes JSON arguments described by a schema.
	ToolFunction ToolKind = "function"
	// ToolCustom takes freeform text input.
	ToolCustom ToolKind = "custom"
	// ToolLocalShell is the provider built-in shell tool.
	ToolLocalShell ToolKind = "local_shell"
)

// ToolSpec declares a tool in a Prompt.
type ToolSpec struct {
	Kind        ToolKind       `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema, function tools only
	Strict      bool           `json:"strict,omitempty"`
}

// Prompt is the provider independent request for one sampling round.
type Prompt struct {
	Instructions string
	Input        []core.Item
	Tools        []ToolSpec
}

// Info contains metadata about a client implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock"
	SupportsTools bool   `json:"supports_tools"`
}

// Client streams one model response per call. The returned source must be
// closed by the caller. Errors returned directly are request level failures
// (status, quota, retry limit); failures after the stream started surface
// through Source.Err.
type Client interface {
	Stream(ctx context.Context, prompt Prompt) (protocol.Source, error)

	// Info returns information about the client implementation.
	Info() Info
}
