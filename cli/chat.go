package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/server"
	"github.com/richinex/parley/sse"
)

// ChatOptions configures the interactive client.
type ChatOptions struct {
	// BaseURL of a running parley server, e.g. http://localhost:8080.
	BaseURL string
	Token   string
	// ChatID continues an existing chat when set.
	ChatID     string
	HTTPClient *http.Client
}

// ChatClient sends turns to a parley server and renders the streamed events.
type ChatClient struct {
	opts   ChatOptions
	chatID string
	out    io.Writer
}

// NewChatClient creates a client that renders to out.
func NewChatClient(opts ChatOptions, out io.Writer) *ChatClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &ChatClient{opts: opts, chatID: opts.ChatID, out: out}
}

// ChatID returns the id of the current chat, empty before the first turn.
func (c *ChatClient) ChatID() string {
	return c.chatID
}

// Reset starts a new chat on the next turn.
func (c *ChatClient) Reset() {
	c.chatID = ""
}

type turnRequest struct {
	ID         string          `json:"id,omitempty"`
	Messages   []model.Message `json:"messages"`
	Regenerate bool            `json:"regenerate,omitempty"`
}

// Send runs one turn with text as the user message.
func (c *ChatClient) Send(ctx context.Context, text string) error {
	msg := model.Message{Role: model.RoleUser, Content: text}
	return c.turn(ctx, turnRequest{ID: c.chatID, Messages: []model.Message{msg}})
}

// Regenerate asks for a new answer to the last user message.
func (c *ChatClient) Regenerate(ctx context.Context) error {
	if c.chatID == "" {
		return errors.New("nothing to regenerate yet")
	}
	return c.turn(ctx, turnRequest{ID: c.chatID, Messages: []model.Message{}, Regenerate: true})
}

func (c *ChatClient) turn(ctx context.Context, body turnRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if id := resp.Header.Get(server.HeaderChatID); id != "" {
		c.chatID = id
	}
	return c.render(resp.Body)
}

func (c *ChatClient) render(body io.Reader) error {
	reader := sse.NewReader(body)
	inThought := false
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream interrupted: %w", err)
		}

		var event agent.Event
		if err := frame.Decode(&event); err != nil {
			return err
		}

		if inThought && event.Type != agent.EventThought {
			fmt.Fprintln(c.out)
			inThought = false
		}
		switch event.Type {
		case agent.EventThought:
			if !inThought {
				fmt.Fprint(c.out, dimStyle.Render("thinking: "))
				inThought = true
			}
			fmt.Fprint(c.out, dimStyle.Render(event.Content))
		case agent.EventResponse:
			fmt.Fprint(c.out, event.Content)
		case agent.EventToolStart:
			fmt.Fprintln(c.out, toolStyle.Render("⚙ "+event.ToolName))
		case agent.EventError:
			fmt.Fprintln(c.out, errorStyle.Render("error: "+event.Content))
		}
	}
}

func responseError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error.Message == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Error.Message)
}

// Chat runs an interactive session reading lines from in.
//
// Commands: /new starts a new chat, /retry regenerates the last answer,
// /quit exits.
func Chat(ctx context.Context, opts ChatOptions, in io.Reader, out io.Writer) error {
	client := NewChatClient(opts, out)

	fmt.Fprintln(out, titleStyle.Render("parley chat"))
	fmt.Fprintln(out, dimStyle.Render("/new for a new chat, /retry to regenerate, /quit to exit"))
	if client.ChatID() != "" {
		fmt.Fprintln(out, dimStyle.Render("continuing chat "+client.ChatID()))
	}
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			client.Reset()
			fmt.Fprintln(out, dimStyle.Render("started a new chat"))
			continue
		case "/retry":
			err = client.Regenerate(ctx)
		default:
			err = client.Send(ctx, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
		}
	}
	return scanner.Err()
}
