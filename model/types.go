// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message written by the end user.
	RoleUser Role = "user"
	// RoleModel is a message produced by the language model.
	RoleModel Role = "model"
	// RoleTool carries the results of the tool calls in the preceding model message.
	RoleTool Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleTool:
		return true
	default:
		return false
	}
}

// Attachment references a file attached to a message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Name        string `json:"name"`
}

// ToolInvocation is one tool call requested by the model.
// ID is generated per occurrence so results can be correlated to the exact call,
// even when the same tool is called twice in one turn.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolInvocation creates an invocation with a freshly generated correlation ID.
func NewToolInvocation(name string, arguments json.RawMessage) ToolInvocation {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	return ToolInvocation{
		ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      name,
		Arguments: arguments,
	}
}

// ToolOutcome is the result of executing one ToolInvocation.
// Exactly one of Result or Error is set.
type ToolOutcome struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Failed reports whether the outcome carries an error.
func (o ToolOutcome) Failed() bool {
	return o.Error != ""
}

// Message is one entry of a conversation.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	ToolCalls   []ToolInvocation `json:"toolCalls,omitempty"`
	ToolResults []ToolOutcome    `json:"toolResults,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewMessage creates a message with a generated ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Chat is a durable transcript keyed by chat ID and owned by one user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

// maxTitleRunes bounds titles derived from the first user message.
const maxTitleRunes = 80

// DeriveTitle returns a title built from the first user message.
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Content), " ")
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes]) + "..."
		}
		if text == "" && len(m.Attachments) > 0 {
			return m.Attachments[0].Name
		}
		return text
	}
	return "New chat"
}

// LastUserMessage returns the index of the last user message, or -1.
func LastUserMessage(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Grant records that a user has enabled an integration, with an optional
// credential for the integration's backend.
type Grant struct {
	UserID      string    `json:"userId"`
	Integration string    `json:"integration"`
	Credential  string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}
