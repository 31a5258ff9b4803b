// Orchestrator builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"time"

	"go.uber.org/zap"

	"github.com/richinex/parley/llm"
)

// Builder provides fluent configuration for creating orchestrators.
// Usage: agent.NewBuilder(provider).MaxRoundTrips(5).Build()
type Builder struct {
	provider llm.Provider
	config   Config
}

// NewBuilder creates a builder for an orchestrator over provider.
func NewBuilder(provider llm.Provider) *Builder {
	return &Builder{
		provider: provider,
		config:   DefaultConfig(),
	}
}

// MaxRoundTrips caps model calls per turn.
func (b *Builder) MaxRoundTrips(n int) *Builder {
	b.config.MaxRoundTrips = n
	return b
}

// GatewayTimeout bounds each model call.
func (b *Builder) GatewayTimeout(d time.Duration) *Builder {
	b.config.GatewayTimeout = d
	return b
}

// SystemPrompt sets the prompt that opens every conversation.
func (b *Builder) SystemPrompt(prompt string) *Builder {
	b.config.SystemPrompt = prompt
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(logger *zap.Logger) *Builder {
	b.config.Logger = logger
	return b
}

// Config returns the configuration built so far.
func (b *Builder) Config() Config {
	return b.config
}

// Build creates the orchestrator.
func (b *Builder) Build() *Orchestrator {
	return New(llm.NewClient(b.provider, b.config.GatewayTimeout), b.config)
}
