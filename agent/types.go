// Package agent provides the turn orchestrator.
//
// Contains the client events a turn emits and the outcome it produces.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/model"
)

var (
	// ErrGateway wraps a failure of the model stream. It is fatal to the turn.
	ErrGateway = errors.New("model gateway failed")
	// ErrRoundTripLimit is returned when a turn keeps requesting tools past the cap.
	ErrRoundTripLimit = errors.New("tool round-trip limit reached")
	// ErrClientGone is returned when the client disconnected mid-turn.
	ErrClientGone = errors.New("client disconnected")
)

// EventType identifies a client event on the wire.
type EventType string

const (
	EventThought   EventType = "thought"
	EventResponse  EventType = "response"
	EventToolStart EventType = "tool-start"
	EventError     EventType = "error"
)

// Event is one client-visible increment of a turn.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	ToolName string    `json:"toolName,omitempty"`
}

// MarshalJSON emits {"type","toolName"} for tool-start and {"type","content"} otherwise.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventToolStart {
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			ToolName string    `json:"toolName"`
		}{e.Type, e.ToolName})
	}
	return json.Marshal(struct {
		Type    EventType `json:"type"`
		Content string    `json:"content"`
	}{e.Type, e.Content})
}

// String renders the event for logs.
func (e Event) String() string {
	if e.Type == EventToolStart {
		return fmt.Sprintf("%s(%s)", e.Type, e.ToolName)
	}
	return fmt.Sprintf("%s(%q)", e.Type, e.Content)
}

func thoughtEvent(text string) Event  { return Event{Type: EventThought, Content: text} }
func responseEvent(text string) Event { return Event{Type: EventResponse, Content: text} }
func toolStartEvent(name string) Event {
	return Event{Type: EventToolStart, ToolName: name}
}

// ErrorEvent creates an error event carrying err's message.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Content: err.Error()}
}

// EventSink receives a turn's events in emission order.
// An Emit error means the client is gone.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Turn is the input of one orchestrated turn.
type Turn struct {
	ChatID  string
	UserID  string
	History []llm.ChatMessage
}

// Outcome is what a finished turn produced.
type Outcome struct {
	State    State
	Text     string
	Thoughts string
	// Attachments produced by tools for the assistant message.
	Attachments     []model.Attachment
	ToolInvocations []model.ToolInvocation
	// Messages holds one model entry with tool calls and one tool entry with
	// their results per dispatched pass, in order.
	Messages   []model.Message
	History    []llm.ChatMessage
	RoundTrips int
	Usage      llm.TokenUsage
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the turn reached the terminal state.
func (o Outcome) Succeeded() bool {
	return o.State == StateTerminal
}

// AssistantMessage is the message the user saw: all streamed response text
// plus any tool-produced attachments.
func (o Outcome) AssistantMessage() model.Message {
	msg := model.NewMessage(model.RoleModel, o.Text)
	msg.Attachments = append([]model.Attachment(nil), o.Attachments...)
	return msg
}

// Transcript returns the messages to persist after the user's message:
// the tool passes followed by the assistant message, if it has any content.
func (o Outcome) Transcript() []model.Message {
	messages := append([]model.Message(nil), o.Messages...)
	if o.Text != "" || len(o.Attachments) > 0 {
		messages = append(messages, o.AssistantMessage())
	}
	return messages
}
