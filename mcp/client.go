// Package mcp provides Model Context Protocol (MCP) client implementation.
//
// MCP is a protocol for communication between AI models and tool providers.
// This package provides a client that can connect to MCP servers and execute
// tools through JSON-RPC over stdin/stdout.
//
// Information Hiding:
// - Process management hidden
// - JSON-RPC protocol details hidden
// - Request ID tracking and response routing hidden

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

var errClientClosed = errors.New("MCP client closed")

// Client communicates with an MCP server via JSON-RPC over a byte stream.
// A single reader goroutine routes responses to waiting calls by ID, so
// concurrent calls never wait on each other's reads.
type Client struct {
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stop      func() error
	requestID atomic.Uint64
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan mcpResponse
	readDone  chan struct{}
	readErr   error

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	shutdown  chan struct{}
}

// mcpRequest is a JSON-RPC request to an MCP server.
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *uint64     `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// mcpResponse is a JSON-RPC response from an MCP server.
type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

// mcpError is a JSON-RPC error.
type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolInfo describes a tool available on the MCP server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the result of tools/list method.
type toolsListResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is one element of a tool call result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Start launches an MCP server process and performs the handshake.
// ctx bounds the handshake only; the process lives until Close.
func Start(ctx context.Context, server ServerConfig) (*Client, error) {
	cmd := exec.Command(server.Command, server.Args...)
	if len(server.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	stop := func() error {
		_ = cmd.Process.Kill() // Intentionally ignore - cleanup
		_ = cmd.Wait()         // Intentionally ignore - cleanup
		return nil
	}
	return Connect(ctx, stdout, stdin, stop)
}

// Connect performs the MCP handshake over an existing stream.
// stop, if non-nil, is called by Close after the write side is closed.
func Connect(ctx context.Context, r io.Reader, w io.WriteCloser, stop func() error) (*Client, error) {
	client := &Client{
		stdin:    w,
		stdout:   bufio.NewReader(r),
		stop:     stop,
		pending:  make(map[uint64]chan mcpResponse),
		readDone: make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	go client.readLoop()

	if err := client.initialize(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	return client, nil
}

// initialize sends the initialize request followed by the initialized notification.
func (c *Client) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "parley",
			"version": "0.1.0",
		},
	}

	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized")
}

// ListTools returns all tools available on the MCP server, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var all []ToolInfo
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		result, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var page toolsListResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("failed to parse tools list: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool calls a tool on the MCP server with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	params := map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	}

	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

// readLoop delivers responses until the stream ends.
// Notifications, unparseable lines and responses nobody waits for are dropped.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			c.readErr = err
			return
		}

		var response mcpResponse
		if err := json.Unmarshal(line, &response); err != nil || response.ID == nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[*response.ID]
		delete(c.pending, *response.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- response
		}
	}
}

// call sends a JSON-RPC request and waits for its response.
// A call that runs past its deadline closes the client: a server that
// stops answering is treated as hung, and later calls fail immediately.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	id := c.requestID.Add(1)
	ch := make(chan mcpResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(mcpRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case response := <-ch:
		if response.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", response.Error.Code, response.Error.Message)
		}
		return response.Result, nil
	case <-c.shutdown:
		return nil, errClientClosed
	case <-c.readDone:
		if c.closed.Load() {
			return nil, errClientClosed
		}
		return nil, fmt.Errorf("failed to read response: %w", c.readErr)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_ = c.Close()
		}
		return nil, fmt.Errorf("MCP %s: %w", method, ctx.Err())
	}
}

// notify sends a JSON-RPC notification.
func (c *Client) notify(method string) error {
	return c.write(mcpRequest{JSONRPC: "2.0", Method: method})
}

func (c *Client) write(request mcpRequest) error {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(reqJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// Close stops the MCP server and releases resources. With a stop function
// it also waits for the reader to see the end of the stream.
// In-flight calls return errClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.shutdown)
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.stop != nil {
			c.closeErr = c.stop()
			<-c.readDone
		}
	})
	return c.closeErr
}
