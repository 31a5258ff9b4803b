// MCP Tool Wrapper - Makes MCP server tools usable as chat tools.
//
// Information Hiding:
// - MCP client lifecycle hidden
// - Schema parsing hidden
// - Result content flattening hidden

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/richinex/parley/internal/jsonutil"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/tools"
)

// Integration is the catalog name under which MCP tools are offered.
const Integration = "mcp"

// Manager owns the clients of every configured MCP server and the tools they expose.
// The caller must call Close() when done to release resources.
type Manager struct {
	clients []*Client
	tools   []tools.Tool
}

// Tools returns the discovered tools.
func (m *Manager) Tools() []tools.Tool {
	return m.tools
}

// Register adds the manager's tools to the catalog as the mcp integration.
func (m *Manager) Register(catalog *tools.Catalog) {
	catalog.Add(Integration, false, func(model.Grant) ([]tools.Tool, error) {
		return m.tools, nil
	})
}

// Close closes every MCP client.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartAll starts every configured server and discovers its tools.
// A server that fails to start is logged and skipped. Tool names that
// collide with an earlier server's tools are skipped.
func StartAll(ctx context.Context, config *Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{}
	seen := make(map[string]string)

	for _, name := range config.Names() {
		client, err := Start(ctx, config.MCPServers[name])
		if err != nil {
			logger.Warn("mcp server unavailable", zap.String("server", name), zap.Error(err))
			continue
		}
		discovered, err := Discover(ctx, client)
		if err != nil {
			logger.Warn("mcp tool discovery failed", zap.String("server", name), zap.Error(err))
			client.Close()
			continue
		}
		manager.clients = append(manager.clients, client)

		for _, tool := range discovered {
			toolName := tool.Metadata().Name
			if owner, dup := seen[toolName]; dup {
				logger.Warn("duplicate mcp tool skipped",
					zap.String("tool", toolName),
					zap.String("server", name),
					zap.String("registered_by", owner))
				continue
			}
			seen[toolName] = name
			manager.tools = append(manager.tools, tool)
		}
		logger.Info("mcp server connected", zap.String("server", name), zap.Int("tools", len(discovered)))
	}
	return manager
}

// Discover lists a connected server's tools and wraps them.
func Discover(ctx context.Context, client *Client) ([]tools.Tool, error) {
	infos, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	result := make([]tools.Tool, len(infos))
	for i, info := range infos {
		result[i] = &toolWrapper{
			client:      client,
			toolName:    info.Name,
			description: stringValue(info.Description),
			inputSchema: info.InputSchema,
		}
	}
	return result, nil
}

// toolWrapper wraps an MCP tool with a shared client.
type toolWrapper struct {
	client      *Client
	toolName    string
	description string
	inputSchema json.RawMessage
}

// stringValue returns empty string for nil pointers.
func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Metadata returns the tool metadata extracted from the MCP schema.
// The server's schema is offered to the model verbatim.
func (w *toolWrapper) Metadata() tools.ToolMetadata {
	meta := tools.ToolMetadata{
		Name:        w.toolName,
		Description: w.description,
		Parameters:  parseParameters(w.inputSchema),
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(w.inputSchema, &schema); err == nil && schema != nil {
		if _, ok := schema["type"]; !ok {
			schema["type"] = "object"
		}
		meta.Schema = schema
	}
	return meta
}

// parseParameters extracts tool parameters from the JSON schema.
// Returns parameters in sorted order for deterministic output.
func parseParameters(inputSchema json.RawMessage) []tools.ToolParameter {
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(inputSchema, &schema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range schema.Required {
		requiredSet[r] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.ToolParameter, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		paramType := prop.Type
		if paramType == "" {
			paramType = "string"
		}

		params = append(params, tools.ToolParameter{
			Name:        name,
			Description: prop.Description,
			ParamType:   paramType,
			Required:    requiredSet[name],
		})
	}

	return params
}

// Validate validates that arguments are valid JSON.
// Note: Schema validation is performed by the MCP server.
func (w *toolWrapper) Validate(args json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return nil
}

// Execute calls the MCP tool using the shared client.
func (w *toolWrapper) Execute(ctx context.Context, args json.RawMessage) (tools.Result, error) {
	result, err := w.client.CallTool(ctx, w.toolName, args)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return tools.Fail("%s", text), nil
	}
	return tools.Generic{Data: formatText(text)}, nil
}

// flattenContent joins the text items of a tool result.
func flattenContent(items []ContentItem) string {
	var parts []string
	for _, item := range items {
		switch item.Type {
		case "text":
			parts = append(parts, item.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content omitted]", item.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// formatText returns JSON text, fenced or not, as a decoded value and
// anything else as a string.
func formatText(text string) interface{} {
	if v, ok := jsonutil.Decode(text); ok {
		return v
	}
	return text
}
