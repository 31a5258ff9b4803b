// Tool Executor with Timeout and Retry Logic.
//
// Information Hiding:
// - Per-call deadline enforcement hidden
// - Retry strategy and backoff algorithm hidden
// - Error classification logic hidden
// - Panic containment hidden

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ErrToolTimeout is carried by the Failure returned when a call exceeds its deadline.
var ErrToolTimeout = errors.New("tool execution timed out")

// Executor provides tool execution with timeout and retry support.
type Executor struct {
	config ToolConfig
	logger *zap.Logger
}

// NewExecutor creates a new tool executor with the given configuration.
func NewExecutor(config ToolConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{config: config, logger: logger}
}

// NewDefaultExecutor creates an executor with default configuration.
func NewDefaultExecutor() *Executor {
	return NewExecutor(DefaultToolConfig(), nil)
}

// Execute validates the arguments and runs the tool under the configured
// timeout, retrying retryable failures. It always returns a Result.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) Result {
	toolName := tool.Metadata().Name

	if err := tool.Validate(args); err != nil {
		return Failure{Err: fmt.Errorf("validation failed: %w", err)}
	}

	maxAttempts := e.config.Attempts()
	var last Failure
	for attempt := uint32(0); attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := e.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return Failure{Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		result, retryable := e.executeOnce(ctx, tool, args)
		failure, failed := AsFailure(result)
		if !failed {
			return result
		}
		last = failure

		if ctx.Err() != nil || !retryable {
			return failure
		}
		e.logger.Debug("retrying tool",
			zap.String("tool", toolName),
			zap.Uint32("attempt", attempt+1),
			zap.Error(failure.Err))
	}

	if maxAttempts == 1 {
		return last
	}
	return Fail("tool '%s' failed after %d attempts: %s", toolName, maxAttempts, last.Error())
}

// executeOnce runs a single attempt with its own deadline and reports
// whether a failed attempt may be repeated. Failure results a tool returns
// itself are final; only transient Go errors and timeouts are retried.
func (e *Executor) executeOnce(ctx context.Context, tool Tool, args json.RawMessage) (result Result, retryable bool) {
	timeout := e.config.CallTimeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked",
				zap.String("tool", tool.Metadata().Name),
				zap.Any("panic", r))
			result, retryable = Fail("tool panicked: %v", r), false
		}
	}()

	result, err := tool.Execute(callCtx, args)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Failure{Err: fmt.Errorf("%w after %s", ErrToolTimeout, timeout)}, true
	}
	if err != nil {
		return Failure{Err: err}, transient(err)
	}
	if result == nil {
		return Fail("tool returned no result"), false
	}
	return result, false
}

// calculateBackoff returns the backoff duration for the given attempt.
func (e *Executor) calculateBackoff(attempt uint32) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// transient reports whether err is worth another attempt: timeouts,
// connection failures and upstream 5xx responses.
func transient(err error) bool {
	if errors.Is(err, ErrToolTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Op != "parse"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
