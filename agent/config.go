// Orchestrator configuration types.
//
// Information Hiding:
// - Default values hidden

package agent

import (
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRoundTrips bounds the model calls of one turn.
const DefaultMaxRoundTrips = 10

// DefaultSystemPrompt opens every conversation unless overridden.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user. " +
	"Tool results are JSON objects with a success flag; when a tool fails, explain or try another approach."

// Config holds orchestrator configuration.
type Config struct {
	// MaxRoundTrips caps model calls per turn. Zero means DefaultMaxRoundTrips.
	MaxRoundTrips int

	// GatewayTimeout bounds each model call. Zero leaves calls unbounded.
	GatewayTimeout time.Duration

	// SystemPrompt opens the history built by Assemble.
	SystemPrompt string

	Logger *zap.Logger
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxRoundTrips:  DefaultMaxRoundTrips,
		GatewayTimeout: 120 * time.Second,
		SystemPrompt:   DefaultSystemPrompt,
	}
}

func (c Config) maxRoundTrips() int {
	if c.MaxRoundTrips <= 0 {
		return DefaultMaxRoundTrips
	}
	return c.MaxRoundTrips
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
