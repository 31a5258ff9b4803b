// Package tools provides tool management and registration.
//
// Information Hiding:
// - Tool storage and lookup implementation hidden
// - Execution policy (timeouts, retries) delegated to the Executor
// - Registration and discovery mechanisms abstracted

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/richinex/parley/llm"
)

// Default limits for tools.
const (
	DefaultToolTimeout = 30 * time.Second
	DefaultMaxBodySize = 1024 * 1024 // 1MB
)

// Registry maps tool names to tools. It is built once per request.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	executor *Executor
}

// NewRegistry creates a new empty tool registry that executes with default settings.
func NewRegistry() *Registry {
	return NewRegistryWithExecutor(nil)
}

// NewRegistryWithExecutor creates an empty registry that runs tools through executor.
// A nil executor uses the default configuration.
func NewRegistryWithExecutor(executor *Executor) *Registry {
	if executor == nil {
		executor = NewDefaultExecutor()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		executor: executor,
	}
}

// Register adds a new tool to the registry.
// Returns error if a tool with the same name already exists.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Metadata().Name
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns metadata for all registered tools, sorted by name.
func (r *Registry) List() []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata := make([]ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		metadata = append(metadata, tool.Metadata())
	}
	sort.Slice(metadata, func(i, j int) bool { return metadata[i].Name < metadata[j].Name })
	return metadata
}

// Definitions returns the schemas offered to the model, sorted by name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	list := r.List()
	defs := make([]llm.ToolDefinition, len(list))
	for i, meta := range list {
		defs[i] = meta.Definition()
	}
	return defs
}

// Execute runs the named tool. It never returns an error: an unregistered
// name yields a Failure carrying ErrUnknownTool, and execution errors become
// Failure results.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	tool, ok := r.Get(name)
	if !ok {
		return Failure{Err: ErrUnknownTool}
	}
	return r.executor.Execute(ctx, tool, args)
}
