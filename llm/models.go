// Package llm provides shared data models for LLM providers.
package llm

import (
	"encoding/json"
	"strings"
)

// Roles of the provider-neutral history.
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleModel  = "model"
)

// ChatMessage is one entry of the provider-neutral history sent to a Provider.
//
// A model entry may carry ToolCalls. The results for those calls travel in the
// following user entry as ToolResults, in the same order as the calls.
type ChatMessage struct {
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Inline      []InlineData   `json:"inline,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResponse `json:"tool_results,omitempty"`
}

// InlineData is binary content embedded in a user entry, such as an image
// fetched from an attachment URL.
type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
	Name     string `json:"name,omitempty"`
}

// IsImage reports whether the payload is an image.
func (d InlineData) IsImage() bool {
	return strings.HasPrefix(d.MIMEType, "image/")
}

// ToolCall represents a tool call from the LLM.
// ID is assigned by the caller, never by the provider, so that it is unique per
// occurrence within a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// Signature is an opaque provider token that must be echoed back with the call.
	Signature []byte `json:"-"`
}

// ToolResponse is the outcome of one ToolCall, sent back to the provider.
type ToolResponse struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolDefinition defines a tool that the LLM can call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Fragment is a piece of streamed text, either visible answer text or reasoning.
type Fragment struct {
	Text      string
	IsThought bool
}

// Chunk is one increment of a streamed model response.
// A chunk may carry text fragments, tool calls, usage, or any mix of them.
type Chunk struct {
	Fragments []Fragment
	ToolCalls []ToolCall
	// Usage is the running total for the call so far; a later chunk's usage
	// replaces an earlier one.
	Usage *TokenUsage
}

// Empty reports whether the chunk carries nothing.
func (c Chunk) Empty() bool {
	return len(c.Fragments) == 0 && len(c.ToolCalls) == 0 && c.Usage == nil
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// ModelMessage creates a model message with optional tool calls.
func ModelMessage(content string, calls ...ToolCall) ChatMessage {
	return ChatMessage{
		Role:      RoleModel,
		Content:   content,
		ToolCalls: calls,
	}
}

// ToolResultsMessage creates the user entry that answers a model entry's tool calls.
func ToolResultsMessage(results ...ToolResponse) ChatMessage {
	return ChatMessage{
		Role:        RoleUser,
		ToolResults: results,
	}
}

// payloadObject decodes a tool payload into a JSON object, wrapping
// non-object payloads under "result".
func payloadObject(payload json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil && obj != nil {
		return obj
	}
	var value any
	if err := json.Unmarshal(payload, &value); err == nil {
		return map[string]any{"result": value}
	}
	return map[string]any{"result": string(payload)}
}

// argumentsObject decodes tool call arguments, returning an empty object on failure.
func argumentsObject(args json.RawMessage) map[string]any {
	obj := map[string]any{}
	if len(args) == 0 {
		return obj
	}
	_ = json.Unmarshal(args, &obj)
	return obj
}
