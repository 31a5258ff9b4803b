package llm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func intPtr(i int) *int { return &i }

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add([]openai.ToolCall{
		{Index: intPtr(0), ID: "a", Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"lat":`}},
		{Index: intPtr(1), ID: "b", Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"lat":1`}},
	})
	acc.add([]openai.ToolCall{
		{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `52.5}`}},
		{Index: intPtr(1), Function: openai.FunctionCall{Arguments: `}`}},
	})

	calls := acc.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if string(calls[0].Arguments) != `{"lat":52.5}` {
		t.Errorf("calls[0].Arguments = %s", calls[0].Arguments)
	}
	if string(calls[1].Arguments) != `{"lat":1}` {
		t.Errorf("calls[1].Arguments = %s", calls[1].Arguments)
	}
	for _, c := range calls {
		if c.ID != "" {
			t.Errorf("provider ID leaked into call: %q", c.ID)
		}
	}
}

func TestToolCallAccumulatorEmptyArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add([]openai.ToolCall{{Index: intPtr(0), Function: openai.FunctionCall{Name: "noop"}}})

	calls := acc.calls()
	if len(calls) != 1 || string(calls[0].Arguments) != `{}` {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"latitude":1}`)}
	history := []ChatMessage{
		SystemMessage("be brief"),
		UserMessage("weather?"),
		ModelMessage("", call),
		ToolResultsMessage(ToolResponse{CallID: "call_1", Name: "get_weather", Payload: json.RawMessage(`{"success":true}`)}),
	}

	got := convertToOpenAIMessages(history)
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("got[0].Role = %q", got[0].Role)
	}
	if got[2].Role != openai.ChatMessageRoleAssistant || len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant message = %+v", got[2])
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", got[3])
	}
}

func TestOpenAIUserMessageWithImage(t *testing.T) {
	msg := ChatMessage{
		Role:    RoleUser,
		Content: "what is this?",
		Inline:  []InlineData{{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
	}

	got := openAIUserMessage(msg)
	if got.Content != "" {
		t.Errorf("Content should be empty when MultiContent is used, got %q", got.Content)
	}
	if len(got.MultiContent) != 2 {
		t.Fatalf("got %d parts, want 2", len(got.MultiContent))
	}
	if got.MultiContent[1].ImageURL == nil || got.MultiContent[1].ImageURL.URL != "data:image/png;base64,AQID" {
		t.Errorf("image part = %+v", got.MultiContent[1])
	}
}

func TestConvertToGeminiContents(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"latitude":1}`), Signature: []byte("sig")}
	history := []ChatMessage{
		SystemMessage("be brief"),
		{Role: RoleUser, Content: "look", Inline: []InlineData{{MIMEType: "image/jpeg", Data: []byte{9}}}},
		ModelMessage("checking", call),
		ToolResultsMessage(ToolResponse{CallID: "call_1", Name: "get_weather", Payload: json.RawMessage(`[1,2]`)}),
	}

	contents, system := convertToGeminiContents(history)
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if len(contents[0].Parts) != 2 || contents[0].Parts[1].InlineData == nil {
		t.Errorf("user content parts = %+v", contents[0].Parts)
	}
	fc := contents[1].Parts[1].FunctionCall
	if fc == nil || fc.ID != "call_1" || fc.Args["latitude"] != float64(1) {
		t.Errorf("function call = %+v", fc)
	}
	if string(contents[1].Parts[1].ThoughtSignature) != "sig" {
		t.Errorf("thought signature not echoed")
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.ID != "call_1" {
		t.Fatalf("function response = %+v", fr)
	}
	if _, ok := fr.Response["result"]; !ok {
		t.Errorf("non-object payload should be wrapped under result: %+v", fr.Response)
	}
}

func TestGeminiChunk(t *testing.T) {
	response := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "pondering", Thought: true},
				{Text: "Hello"},
				{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"latitude": 1.5}}},
			}},
		}},
	}

	chunk := geminiChunk(response)
	if len(chunk.Fragments) != 2 || !chunk.Fragments[0].IsThought || chunk.Fragments[1].IsThought {
		t.Errorf("fragments = %+v", chunk.Fragments)
	}
	if len(chunk.ToolCalls) != 1 || string(chunk.ToolCalls[0].Arguments) != `{"latitude":1.5}` {
		t.Errorf("tool calls = %+v", chunk.ToolCalls)
	}
}

func TestConvertToAnthropicMessages(t *testing.T) {
	call := ToolCall{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{}`)}
	history := []ChatMessage{
		SystemMessage("be brief"),
		UserMessage("weather?"),
		ModelMessage("", call),
		ToolResultsMessage(ToolResponse{CallID: "call_1", Name: "get_weather", Payload: json.RawMessage(`{}`), IsError: true}),
	}

	msgs, system := convertToAnthropicMessages(history)
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Content[0].OfToolUse == nil || msgs[1].Content[0].OfToolUse.ID != "call_1" {
		t.Errorf("tool_use block = %+v", msgs[1].Content[0])
	}
	if msgs[2].Content[0].OfToolResult == nil || msgs[2].Content[0].OfToolResult.ToolUseID != "call_1" {
		t.Errorf("tool_result block = %+v", msgs[2].Content[0])
	}
}

// blockingProvider never yields until its context is done.
type blockingProvider struct{}

func (blockingProvider) Name() string  { return "blocking" }
func (blockingProvider) Model() string { return "none" }
func (blockingProvider) Stream(ctx context.Context, _ []ChatMessage, _ []ToolDefinition) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		<-ctx.Done()
		yield(Chunk{}, ctx.Err())
	}
}

// drain consumes a stream and returns its first error.
func drain(seq iter.Seq2[Chunk, error]) error {
	for _, err := range seq {
		if err != nil {
			return err
		}
	}
	return nil
}

func TestClientTimeout(t *testing.T) {
	client := NewClient(blockingProvider{}, 20*time.Millisecond)

	err := drain(client.Stream(context.Background(), []ChatMessage{UserMessage("hi")}, nil))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClientCallerCancellation(t *testing.T) {
	client := NewClient(blockingProvider{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := drain(client.Stream(ctx, []ChatMessage{UserMessage("hi")}, nil))
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want plain cancellation", err)
	}
}
