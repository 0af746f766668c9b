package llm

import "github.com/MrWong99/glyphoxa/pkg/types"

// Message, ToolCall, ToolDefinition, and ModelCapabilities are aliases onto
// the shared pkg/types definitions so that callers working exclusively
// within the llm package (provider implementations, the cascade engine,
// tests) don't need to import pkg/types directly.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)
