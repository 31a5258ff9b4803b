package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Ignore known background goroutines from dependencies
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
	)
}

// funcTool adapts a function to the Tool interface.
type funcTool struct {
	BaseTool
	name string
	fn   func(ctx context.Context, args json.RawMessage) (Result, error)
}

func (f *funcTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        f.name,
		Description: "test tool " + f.name,
		Parameters: []ToolParameter{
			{Name: "q", ParamType: "string", Description: "query", Required: true},
		},
	}
}

func (f *funcTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	return f.fn(ctx, args)
}

func echoTool(name string) *funcTool {
	return &funcTool{name: name, fn: func(_ context.Context, args json.RawMessage) (Result, error) {
		return Generic{Data: args}, nil
	}}
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewRegistry()

	result := registry.Execute(context.Background(), "does_not_exist", json.RawMessage(`{}`))

	failure, ok := AsFailure(result)
	if !ok {
		t.Fatalf("expected Failure, got %T", result)
	}
	if !errors.Is(failure, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", failure.Err)
	}
	if got := string(Payload(result)); got != `{"success":false,"error":"unknown tool"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(echoTool("echo")); err == nil {
		t.Error("expected error registering duplicate tool")
	}
	if got := registry.List(); len(got) != 1 || got[0].Name != "echo" {
		t.Errorf("List() = %+v, want one echo tool", got)
	}
}

func TestRegistryExecute(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	result := registry.Execute(context.Background(), "echo", json.RawMessage(`{"q":"hi"}`))
	if !result.Success() {
		t.Fatalf("expected success, got %s", Payload(result))
	}
	if got := string(Payload(result)); got != `{"q":"hi","success":true}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha"} {
		if err := registry.Register(echoTool(name)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	defs := registry.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("definitions not sorted: %+v", defs)
	}
	params := defs[0].Parameters
	if params["type"] != "object" {
		t.Errorf("schema type = %v", params["type"])
	}
	required, _ := params["required"].([]string)
	if len(required) != 1 || required[0] != "q" {
		t.Errorf("required = %v", params["required"])
	}
}

func TestExecutorTimeout(t *testing.T) {
	executor := NewExecutor(ToolConfig{Timeout: 20 * time.Millisecond}, nil)
	slow := &funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	result := executor.Execute(context.Background(), slow, nil)

	failure, ok := AsFailure(result)
	if !ok || !errors.Is(failure, ErrToolTimeout) {
		t.Fatalf("expected timeout failure, got %s", Payload(result))
	}
}

func TestExecutorRecoversPanic(t *testing.T) {
	executor := NewDefaultExecutor()
	boom := &funcTool{name: "boom", fn: func(context.Context, json.RawMessage) (Result, error) {
		panic("kaboom")
	}}

	result := executor.Execute(context.Background(), boom, nil)

	failure, ok := AsFailure(result)
	if !ok || !strings.Contains(failure.Error(), "kaboom") {
		t.Fatalf("expected panic failure, got %s", Payload(result))
	}
}

func TestExecutorRetriesRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := &funcTool{name: "flaky", fn: func(context.Context, json.RawMessage) (Result, error) {
		if calls.Add(1) == 1 {
			return nil, &StatusError{Code: 503}
		}
		return Generic{Data: map[string]int{"n": 1}}, nil
	}}
	executor := NewExecutor(ToolConfig{MaxAttempts: 3}, nil)

	result := executor.Execute(context.Background(), flaky, nil)

	if !result.Success() {
		t.Fatalf("expected success after retry, got %s", Payload(result))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestExecutorDoesNotRetryInvalidArguments(t *testing.T) {
	var calls atomic.Int32
	picky := &funcTool{name: "picky", fn: func(context.Context, json.RawMessage) (Result, error) {
		calls.Add(1)
		return Fail("invalid symbol"), nil
	}}
	executor := NewExecutor(ToolConfig{MaxAttempts: 3}, nil)

	result := executor.Execute(context.Background(), picky, nil)

	if result.Success() {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExecutorDoesNotRetryToolFailures(t *testing.T) {
	var calls atomic.Int32
	appendRow := &funcTool{name: "append_row", fn: func(context.Context, json.RawMessage) (Result, error) {
		calls.Add(1)
		return Fail("sheet write rejected: row 12 already holds a value"), nil
	}}
	executor := NewExecutor(ToolConfig{MaxAttempts: 2}, nil)

	result := executor.Execute(context.Background(), appendRow, nil)

	failure, ok := AsFailure(result)
	if !ok || failure.Error() != "sheet write rejected: row 12 already holds a value" {
		t.Fatalf("expected the tool's own failure, got %s", Payload(result))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExecutorRetryClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int32
	}{
		{"upstream 503", fmt.Errorf("lookup failed: %w", &StatusError{Code: 503}), 2},
		{"upstream 404", fmt.Errorf("lookup failed: %w", &StatusError{Code: 404}), 1},
		{"connection refused", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, 2},
		{"malformed url", &url.Error{Op: "parse", URL: "::", Err: errors.New("missing protocol scheme")}, 1},
		{"plain error", errors.New("symbol not listed"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			tool := &funcTool{name: "lookup", fn: func(context.Context, json.RawMessage) (Result, error) {
				calls.Add(1)
				return nil, tt.err
			}}
			executor := NewExecutor(ToolConfig{MaxAttempts: 2}, nil)

			result := executor.Execute(context.Background(), tool, nil)

			if result.Success() {
				t.Fatal("expected failure")
			}
			if calls.Load() != tt.calls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.calls)
			}
		})
	}
}

func TestExecutorValidationFailure(t *testing.T) {
	executor := NewDefaultExecutor()
	result := executor.Execute(context.Background(), NewWeatherTool(nil, "http://unused"), json.RawMessage(`{"latitude":100,"longitude":0}`))

	failure, ok := AsFailure(result)
	if !ok || !strings.Contains(failure.Error(), "validation failed") {
		t.Fatalf("expected validation failure, got %s", Payload(result))
	}
}

func TestCalculateBackoff(t *testing.T) {
	e := NewDefaultExecutor()

	tests := []struct {
		attempt uint32
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := e.calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
