// Anthropic Provider implementation using official anthropic-sdk-go.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for Anthropic Messages API
// - Streaming and message accumulation via official SDK
// - Extended thinking configuration

package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// minThinkingBudget is the smallest budget the Messages API accepts.
const minThinkingBudget = 1024

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	client          anthropic.Client
	model           string
	maxTokens       int64
	temperature     float64
	includeThoughts bool
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey, model string, maxTokens uint32, temperature float32, includeThoughts bool) *AnthropicProvider {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicProvider{
		client:          client,
		model:           model,
		maxTokens:       int64(maxTokens),
		temperature:     float64(temperature),
		includeThoughts: includeThoughts,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Model returns the current model.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// Stream streams a message. Tool calls are taken from the accumulated
// message once the stream completes.
func (p *AnthropicProvider) Stream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) iter.Seq2[Chunk, error] {
	anthropicMessages, systemPrompt := convertToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  anthropicMessages,
		Tools:     convertToAnthropicTools(tools),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	// Thinking blocks would have to be replayed alongside tool_use blocks,
	// so thinking is only requested for tool-free calls.
	budget := p.maxTokens / 2
	if p.includeThoughts && len(tools) == 0 && budget >= minThinkingBudget {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else {
		params.Temperature = anthropic.Float(p.temperature)
	}

	return func(yield func(Chunk, error) bool) {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				yield(Chunk{}, fmt.Errorf("stream accumulate failed: %w", err))
				return
			}

			eventVariant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			var chunk Chunk
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					chunk.Fragments = append(chunk.Fragments, Fragment{Text: deltaVariant.Text})
				}
			case anthropic.ThinkingDelta:
				if deltaVariant.Thinking != "" {
					chunk.Fragments = append(chunk.Fragments, Fragment{Text: deltaVariant.Thinking, IsThought: true})
				}
			}
			if chunk.Empty() {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(Chunk{}, fmt.Errorf("stream error: %w", err))
			return
		}

		final := Chunk{}
		for _, block := range message.Content {
			if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				args := []byte(variant.Input)
				if len(args) == 0 {
					args = []byte(`{}`)
				}
				final.ToolCalls = append(final.ToolCalls, ToolCall{
					Name:      variant.Name,
					Arguments: args,
				})
			}
		}
		if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
			final.Usage = &TokenUsage{
				PromptTokens:     uint32(message.Usage.InputTokens),
				CompletionTokens: uint32(message.Usage.OutputTokens),
				TotalTokens:      uint32(message.Usage.InputTokens + message.Usage.OutputTokens),
			}
		}
		if !final.Empty() {
			yield(final, nil)
		}
	}
}

// convertToAnthropicMessages converts the history to Anthropic format.
// Extracts the system message and returns it separately.
func convertToAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt = msg.Content
		case RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, string(r.Payload), r.IsError))
			}
			for _, d := range msg.Inline {
				encoded := base64.StdEncoding.EncodeToString(d.Data)
				switch {
				case d.IsImage():
					blocks = append(blocks, anthropic.NewImageBlockBase64(d.MIMEType, encoded))
				case d.MIMEType == "application/pdf":
					blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: encoded}))
				default:
					blocks = append(blocks, anthropic.NewTextBlock(
						fmt.Sprintf("[attachment %q of type %s omitted]", d.Name, d.MIMEType)))
				}
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(blocks...))
			}
		case RoleModel:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argumentsObject(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToAnthropicTools converts tool definitions to Anthropic format.
func convertToAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		properties, _ := t.Parameters["properties"].(map[string]interface{})

		var required []string
		switch req := t.Parameters["required"].(type) {
		case []string:
			required = req
		case []interface{}:
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}

		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		}
		result[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
	}
	return result
}

// Verify AnthropicProvider implements Provider
var _ Provider = (*AnthropicProvider)(nil)
