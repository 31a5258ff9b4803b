// Package tools provides the tool system for chat turns.
//
// Information Hiding:
// - Tool execution details hidden behind interface
// - Tool parameters and schemas hidden in implementations
// - Registry implementation details hidden from consumers
// - Error handling internalized per tool
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/richinex/parley/llm"
)

// ToolParameter defines a parameter schema for a tool.
type ToolParameter struct {
	Name        string   `json:"name"`
	ParamType   string   `json:"param_type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolMetadata describes what a tool does and how to use it.
type ToolMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	// Schema, when set, is used verbatim as the parameter schema instead of
	// one built from Parameters.
	Schema map[string]interface{} `json:"-"`
}

// Definition returns the JSON-schema description sent to the model.
func (m ToolMetadata) Definition() llm.ToolDefinition {
	if m.Schema != nil {
		return llm.ToolDefinition{Name: m.Name, Description: m.Description, Parameters: m.Schema}
	}

	properties := make(map[string]interface{}, len(m.Parameters))
	required := []string{}
	for _, p := range m.Parameters {
		prop := map[string]interface{}{
			"type":        p.ParamType,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, e := range p.Enum {
				enum[i] = e
			}
			prop["enum"] = enum
		}
		if p.ParamType == "array" {
			prop["items"] = map[string]interface{}{"type": "string"}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return llm.ToolDefinition{
		Name:        m.Name,
		Description: m.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

// Tool is the interface that all tools must implement.
//
// Information Hiding: Tool implementations hide their internal execution logic,
// data structures, and error handling strategies behind this interface.
type Tool interface {
	// Metadata returns tool metadata (name, description, parameters).
	Metadata() ToolMetadata

	// Execute runs the tool with given arguments.
	// A returned error is treated the same as a Failure result.
	Execute(ctx context.Context, args json.RawMessage) (Result, error)

	// Validate validates arguments before execution.
	Validate(args json.RawMessage) error
}

// BaseTool provides a default implementation for Validate.
type BaseTool struct{}

// Validate provides a default no-op validation.
func (BaseTool) Validate(args json.RawMessage) error {
	return nil
}

// ToolConfig holds tool execution configuration.
// The zero value is safe: timeout defaults to 30s and attempts to 1.
type ToolConfig struct {
	Timeout     time.Duration
	MaxAttempts uint32
}

// CallTimeout returns the configured timeout, defaulting to 30 seconds if zero.
func (c *ToolConfig) CallTimeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultToolTimeout
	}
	return c.Timeout
}

// Attempts returns the configured number of attempts, defaulting to 1 if zero.
func (c *ToolConfig) Attempts() uint32 {
	if c == nil || c.MaxAttempts == 0 {
		return 1
	}
	return c.MaxAttempts
}

// DefaultToolConfig returns the default tool configuration.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Timeout:     DefaultToolTimeout,
		MaxAttempts: 1,
	}
}

// decodeArgs unmarshals tool arguments, treating empty input as an empty object.
func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
