// History assembly for a turn.
//
// Information Hiding:
// - Stored message to model history conversion hidden
// - Attachment fetching and inlining hidden
// - Standing instruction placement hidden

package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/tools"
)

// DefaultAttachmentMaxBytes caps a fetched attachment.
const DefaultAttachmentMaxBytes = 10 << 20

// Assembler builds the model history for a turn from stored messages.
type Assembler struct {
	client       *http.Client
	maxBytes     int64
	systemPrompt string
}

// NewAssembler creates an assembler. A nil client uses a client with the
// default tool timeout; maxBytes <= 0 uses DefaultAttachmentMaxBytes.
func NewAssembler(client *http.Client, maxBytes int64, systemPrompt string) *Assembler {
	if client == nil {
		client = &http.Client{Timeout: tools.DefaultToolTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultAttachmentMaxBytes
	}
	return &Assembler{client: client, maxBytes: maxBytes, systemPrompt: systemPrompt}
}

// Assemble converts messages into model history.
//
// The system entry carries the system prompt followed by the user's standing
// instruction, if any. The first attachment of the latest user message is
// fetched and inlined; a failed fetch returns ErrAttachmentFetch and no
// history. Other attachments are mentioned by name only.
//
// A model entry with tool calls is sent without its text: the closing model
// message of the same turn repeats everything the user saw.
func (a *Assembler) Assemble(ctx context.Context, messages []model.Message, instruction string) ([]llm.ChatMessage, error) {
	var history []llm.ChatMessage
	if system := a.systemEntry(instruction); system != "" {
		history = append(history, llm.SystemMessage(system))
	}

	latest := model.LastUserMessage(messages)
	for i, m := range messages {
		switch m.Role {
		case model.RoleUser:
			entry := llm.UserMessage(m.Content)
			attachments := m.Attachments
			if i == latest && len(attachments) > 0 {
				inline, err := a.fetch(ctx, attachments[0])
				if err != nil {
					return nil, err
				}
				entry.Inline = []llm.InlineData{inline}
				attachments = attachments[1:]
			}
			entry.Content = withAttachmentNotes(entry.Content, attachments)
			history = append(history, entry)

		case model.RoleModel:
			if len(m.ToolCalls) > 0 && answeredAt(messages, i+1, len(m.ToolCalls)) {
				history = append(history, llm.ModelMessage("", toolCalls(m.ToolCalls)...))
				continue
			}
			if m.Content == "" {
				continue
			}
			history = append(history, llm.ModelMessage(m.Content))

		case model.RoleTool:
			// Only results that answer the preceding model entry are sent
			if i == 0 || messages[i-1].Role != model.RoleModel || len(messages[i-1].ToolCalls) == 0 ||
				len(m.ToolResults) != len(messages[i-1].ToolCalls) {
				continue
			}
			history = append(history, llm.ToolResultsMessage(toolResponses(m.ToolResults)...))
		}
	}
	return history, nil
}

func (a *Assembler) systemEntry(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	switch {
	case instruction == "":
		return a.systemPrompt
	case a.systemPrompt == "":
		return instruction
	default:
		return a.systemPrompt + "\n\nStanding instruction from the user:\n" + instruction
	}
}

// answeredAt reports whether messages[i] is a tool entry with n results.
func answeredAt(messages []model.Message, i, n int) bool {
	return i < len(messages) && messages[i].Role == model.RoleTool && len(messages[i].ToolResults) == n
}

func toolCalls(invocations []model.ToolInvocation) []llm.ToolCall {
	calls := make([]llm.ToolCall, len(invocations))
	for i, inv := range invocations {
		calls[i] = llm.ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Arguments}
	}
	return calls
}

func toolResponses(outcomes []model.ToolOutcome) []llm.ToolResponse {
	responses := make([]llm.ToolResponse, len(outcomes))
	for i, o := range outcomes {
		response := llm.ToolResponse{CallID: o.ToolCallID, Name: o.Name, Payload: o.Result}
		if o.Failed() {
			response.Payload = tools.Payload(tools.Fail("%s", o.Error))
			response.IsError = true
		}
		responses[i] = response
	}
	return responses
}

func withAttachmentNotes(content string, attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return content
	}
	var notes []string
	for _, att := range attachments {
		notes = append(notes, fmt.Sprintf("[attachment: %s (%s)]", att.Name, att.ContentType))
	}
	if content == "" {
		return strings.Join(notes, "\n")
	}
	return content + "\n\n" + strings.Join(notes, "\n")
}
