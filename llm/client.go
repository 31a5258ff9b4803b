// LLMClient - Wrapper around providers that bounds each call.

package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// ErrTimeout is returned when a provider call exceeds the client timeout.
var ErrTimeout = errors.New("llm call timed out")

// Client wraps a Provider with a per-call deadline.
type Client struct {
	provider Provider
	timeout  time.Duration
}

// NewClient creates a new LLM client from a provider.
// A zero timeout leaves calls unbounded.
func NewClient(provider Provider, timeout time.Duration) *Client {
	return &Client{provider: provider, timeout: timeout}
}

// Stream calls the provider with a deadline that spans the whole sequence.
// The deadline is released when iteration stops.
func (c *Client) Stream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		defer cancel()

		for chunk, err := range c.provider.Stream(callCtx, messages, tools) {
			if err != nil {
				if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					err = fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
				}
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}
