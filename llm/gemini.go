// Google Gemini Provider implementation using official google.golang.org/genai SDK.
//
// Information Hiding:
// - API authentication and client creation
// - Request/response format for Gemini API
// - System instruction handling via config
// - Thought parts and thought signatures
// - Streaming via official SDK iterator

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google Gemini.
type GeminiProvider struct {
	client          *genai.Client
	model           string
	maxTokens       int32
	temperature     float32
	includeThoughts bool
	initErr         error // Stores client initialization error for deferred reporting
}

// NewGeminiProvider creates a new Gemini provider.
// If client initialization fails, the error is stored and returned on first use.
func NewGeminiProvider(apiKey, model string, maxTokens uint32, temperature float32, includeThoughts bool) *GeminiProvider {
	p := &GeminiProvider{
		model:           model,
		maxTokens:       int32(maxTokens),
		temperature:     temperature,
		includeThoughts: includeThoughts,
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		p.initErr = fmt.Errorf("failed to initialize Gemini client: %w", err)
		return p
	}
	p.client = client
	return p
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Model returns the current model.
func (p *GeminiProvider) Model() string {
	return p.model
}

// Stream streams a generation. Function calls are yielded as soon as a
// response carries them.
func (p *GeminiProvider) Stream(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) iter.Seq2[Chunk, error] {
	if p.initErr != nil {
		return fail(p.initErr)
	}
	if p.client == nil {
		return fail(fmt.Errorf("gemini client not initialized"))
	}

	contents, systemInstruction := convertToGeminiContents(messages)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(p.temperature),
		MaxOutputTokens: p.maxTokens,
		Tools:           convertToGeminiTools(tools),
	}
	if p.includeThoughts {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if systemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	return func(yield func(Chunk, error) bool) {
		// GenerateContentStream returns iter.Seq2[*GenerateContentResponse, error]
		for response, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
			if err != nil {
				yield(Chunk{}, fmt.Errorf("stream error: %w", err))
				return
			}

			chunk := geminiChunk(response)
			if chunk.Empty() {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// geminiChunk extracts text, thoughts, function calls, and usage from one streamed response.
func geminiChunk(response *genai.GenerateContentResponse) Chunk {
	var chunk Chunk
	if response == nil {
		return chunk
	}

	if response.UsageMetadata != nil && response.UsageMetadata.TotalTokenCount > 0 {
		chunk.Usage = &TokenUsage{
			PromptTokens:     uint32(response.UsageMetadata.PromptTokenCount),
			CompletionTokens: uint32(response.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      uint32(response.UsageMetadata.TotalTokenCount),
		}
	}

	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return chunk
	}
	for _, part := range response.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			chunk.Fragments = append(chunk.Fragments, Fragment{Text: part.Text, IsThought: part.Thought})
		}
		if part.FunctionCall != nil {
			argsJSON, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				argsJSON = []byte(`{}`)
			}
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: argsJSON,
				Signature: part.ThoughtSignature,
			})
		}
	}
	return chunk
}

// convertToGeminiContents converts the history to Gemini format.
// Extracts the system message and returns it separately.
func convertToGeminiContents(messages []ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemInstruction string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemInstruction = msg.Content
		case RoleUser:
			content := &genai.Content{Role: genai.RoleUser}
			for _, r := range msg.ToolResults {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       r.CallID,
						Name:     r.Name,
						Response: payloadObject(r.Payload),
					},
				})
			}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(msg.Content))
			}
			for _, d := range msg.Inline {
				content.Parts = append(content.Parts, genai.NewPartFromBytes(d.Data, d.MIMEType))
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case RoleModel:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: argumentsObject(tc.Arguments),
					},
					ThoughtSignature: tc.Signature,
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		}
	}

	return contents, systemInstruction
}

// convertToGeminiTools converts tool definitions to Gemini format.
func convertToGeminiTools(tools []ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	var declarations []*genai.FunctionDeclaration
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertToGeminiSchema(t.Parameters),
		})
	}

	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertToGeminiSchema recursively converts a parameter schema to Gemini format.
// Handles arrays by adding required 'items' field.
func convertToGeminiSchema(params map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{
		Type: genai.TypeObject,
	}

	if t, ok := params["type"].(string); ok {
		schema.Type = mapToGeminiType(t)
	}

	switch req := params["required"].(type) {
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	case []string:
		schema.Required = req
	}

	if props, ok := params["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			propMap, ok := prop.(map[string]interface{})
			if !ok {
				continue
			}
			schema.Properties[name] = convertPropertyToGeminiSchema(propMap)
		}
	}

	return schema
}

// convertPropertyToGeminiSchema converts a single property to Gemini schema.
func convertPropertyToGeminiSchema(prop map[string]interface{}) *genai.Schema {
	schema := &genai.Schema{}

	if t, ok := prop["type"].(string); ok {
		schema.Type = mapToGeminiType(t)
	}
	if d, ok := prop["description"].(string); ok {
		schema.Description = d
	}
	if enum, ok := prop["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	// Gemini requires 'items' for arrays
	if schema.Type == genai.TypeArray {
		if items, ok := prop["items"].(map[string]interface{}); ok {
			schema.Items = convertPropertyToGeminiSchema(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	}

	if schema.Type == genai.TypeObject {
		if props, ok := prop["properties"].(map[string]interface{}); ok {
			schema.Properties = make(map[string]*genai.Schema)
			for name, p := range props {
				if pMap, ok := p.(map[string]interface{}); ok {
					schema.Properties[name] = convertPropertyToGeminiSchema(pMap)
				}
			}
		}
	}

	return schema
}

// mapToGeminiType maps JSON schema type to Gemini type.
func mapToGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// Verify GeminiProvider implements Provider
var _ Provider = (*GeminiProvider)(nil)
