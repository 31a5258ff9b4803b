// Image Generation Tool.
//
// Information Hiding:
// - Image API client and model selection hidden
// - Response format negotiation (URL vs inline base64) hidden

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/richinex/parley/model"
)

// ImageGenerator is the part of the OpenAI client the image tool needs.
type ImageGenerator interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// ImageTool generates an image from a prompt.
type ImageTool struct {
	generator ImageGenerator
	model     string
}

// NewImageTool creates an image tool. An empty model uses dall-e-3.
func NewImageTool(generator ImageGenerator, imageModel string) *ImageTool {
	if imageModel == "" {
		imageModel = openai.CreateImageModelDallE3
	}
	return &ImageTool{generator: generator, model: imageModel}
}

// NewOpenAIImageTool creates an image tool backed by the OpenAI API.
func NewOpenAIImageTool(apiKey, baseURL, imageModel string) *ImageTool {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewImageTool(openai.NewClientWithConfig(config), imageModel)
}

// Metadata returns the tool metadata.
func (t *ImageTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "generate_image",
		Description: "Generate an image from a detailed text description and show it to the user",
		Parameters: []ToolParameter{
			{Name: "prompt", ParamType: "string", Description: "Detailed description of the image", Required: true},
			{Name: "size", ParamType: "string", Description: "Image size", Required: false,
				Enum: []string{openai.CreateImageSize1024x1024, openai.CreateImageSize1792x1024, openai.CreateImageSize1024x1792}},
		},
	}
}

type imageArgs struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

// Validate validates the arguments.
func (t *ImageTool) Validate(args json.RawMessage) error {
	var a imageArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	if strings.TrimSpace(a.Prompt) == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	return nil
}

// Execute generates the image.
func (t *ImageTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var a imageArgs
	if err := decodeArgs(args, &a); err != nil {
		return Failure{Err: err}, nil
	}
	if a.Size == "" {
		a.Size = openai.CreateImageSize1024x1024
	}

	req := openai.ImageRequest{
		Prompt: a.Prompt,
		Model:  t.model,
		N:      1,
		Size:   a.Size,
	}
	// gpt-image models always return base64 and reject response_format
	if !strings.HasPrefix(t.model, "gpt-image") {
		req.ResponseFormat = openai.CreateImageResponseFormatB64JSON
	}

	resp, err := t.generator.CreateImage(ctx, req)
	if err != nil {
		return Failure{Err: fmt.Errorf("image generation failed: %w", err)}, nil
	}
	if len(resp.Data) == 0 {
		return Fail("image generation returned no images"), nil
	}

	image := resp.Data[0]
	attachment := model.Attachment{
		ContentType: "image/png",
		Name:        "generated-image.png",
	}
	switch {
	case image.B64JSON != "":
		attachment.URL = "data:image/png;base64," + image.B64JSON
	case image.URL != "":
		attachment.URL = image.URL
	default:
		return Fail("image generation returned an empty image"), nil
	}

	return Image{Attachment: attachment, RevisedPrompt: image.RevisedPrompt}, nil
}
