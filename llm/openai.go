// OpenAI Provider implementation using go-openai library.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for OpenAI Chat Completions API
// - Streaming via go-openai library
// - Reassembly of tool calls split across stream deltas

package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface for OpenAI.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey, model string, maxTokens uint32, temperature float32) *OpenAIProvider {
	return &OpenAIProvider{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   int(maxTokens),
		temperature: temperature,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Model returns the current model.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Stream streams a chat completion. Tool calls are yielded once the stream ends.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) iter.Seq2[Chunk, error] {
	req := openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            convertToOpenAIMessages(messages),
		MaxCompletionTokens: p.maxTokens,
		Temperature:         p.temperature,
		Tools:               convertToOpenAITools(tools),
	}
	return streamChatCompletion(ctx, p.client, req)
}

// streamChatCompletion runs a streaming request against any OpenAI-compatible endpoint.
func streamChatCompletion(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) iter.Seq2[Chunk, error] {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	return func(yield func(Chunk, error) bool) {
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("stream creation failed: %w", err))
			return
		}
		defer stream.Close()

		calls := newToolCallAccumulator()
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Chunk{}, fmt.Errorf("stream recv failed: %w", err))
				return
			}

			var chunk Chunk
			// Token usage arrives on the final chunk
			if response.Usage != nil {
				chunk.Usage = &TokenUsage{
					PromptTokens:     uint32(response.Usage.PromptTokens),
					CompletionTokens: uint32(response.Usage.CompletionTokens),
					TotalTokens:      uint32(response.Usage.TotalTokens),
				}
			}
			if len(response.Choices) > 0 {
				delta := response.Choices[0].Delta
				if delta.ReasoningContent != "" {
					chunk.Fragments = append(chunk.Fragments, Fragment{Text: delta.ReasoningContent, IsThought: true})
				}
				if delta.Content != "" {
					chunk.Fragments = append(chunk.Fragments, Fragment{Text: delta.Content})
				}
				calls.add(delta.ToolCalls)
			}

			if chunk.Empty() {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}

		if assembled := calls.calls(); len(assembled) > 0 {
			yield(Chunk{ToolCalls: assembled}, nil)
		}
	}
}

// toolCallAccumulator joins streamed tool call deltas by index.
type toolCallAccumulator struct {
	byIndex map[int]*ToolCall
	args    map[int][]byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byIndex: make(map[int]*ToolCall),
		args:    make(map[int][]byte),
	}
}

func (a *toolCallAccumulator) add(deltas []openai.ToolCall) {
	for pos, d := range deltas {
		index := pos
		if d.Index != nil {
			index = *d.Index
		}
		tc, ok := a.byIndex[index]
		if !ok {
			tc = &ToolCall{}
			a.byIndex[index] = tc
		}
		if d.Function.Name != "" {
			tc.Name = d.Function.Name
		}
		a.args[index] = append(a.args[index], d.Function.Arguments...)
	}
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	result := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := *a.byIndex[i]
		tc.Arguments = a.args[i]
		if len(tc.Arguments) == 0 {
			tc.Arguments = []byte(`{}`)
		}
		result = append(result, tc)
	}
	return result
}

// convertToOpenAIMessages converts the history to openai.ChatCompletionMessage.
// Tool results become one "tool" message per call.
func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case RoleUser:
			for _, r := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(r.Payload),
					Name:       r.Name,
					ToolCallID: r.CallID,
				})
			}
			if msg.Content == "" && len(msg.Inline) == 0 {
				continue
			}
			result = append(result, openAIUserMessage(msg))
		case RoleModel:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
		}
	}
	return result
}

// openAIUserMessage builds a user message, switching to multi-part content
// when images are inlined.
func openAIUserMessage(msg ChatMessage) openai.ChatCompletionMessage {
	if len(msg.Inline) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content}
	}

	var parts []openai.ChatMessagePart
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, d := range msg.Inline {
		if !d.IsImage() {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attachment %q of type %s omitted]", d.Name, d.MIMEType),
			})
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + d.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(d.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// convertToOpenAITools converts tool definitions to OpenAI format.
func convertToOpenAITools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// Verify OpenAIProvider implements Provider
var _ Provider = (*OpenAIProvider)(nil)
