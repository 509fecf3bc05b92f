package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// AnthropicAdapter implements the Adapter interface for Claude models.
// Claude has no image output, so only Describe is supported.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string, opts ...option.RequestOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	client := anthropic.NewClient(opts...)
	return &AnthropicAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Models returns the list of supported Claude models.
func (a *AnthropicAdapter) Models() []string {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
	}
}

// GenerateImage is not supported by Claude.
func (a *AnthropicAdapter) GenerateImage(context.Context, ImageRequest) ([]*artifact.Image, error) {
	return nil, Unsupported(a.Name(), OpGenerate)
}

// EditImage is not supported by Claude.
func (a *AnthropicAdapter) EditImage(context.Context, EditRequest) ([]*artifact.Image, error) {
	return nil, Unsupported(a.Name(), OpEdit)
}

// Describe sends the image and instruction to Claude and returns the text.
func (a *AnthropicAdapter) Describe(ctx context.Context, req DescribeRequest) (string, error) {
	if !req.Source.HasData() {
		return "", &AdapterError{Kind: KindOther, Err: fmt.Errorf("anthropic: describe requires source image bytes")}
	}

	encoded := base64.StdEncoding.EncodeToString(req.Source.Data)
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(req.Source.MimeType, encoded),
				anthropic.NewTextBlock(req.Instruction),
			),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classify(a.Name(), apiErr.StatusCode, "", err.Error(), err)
		}
		return "", wrapTransport(a.Name(), err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(content.String()), nil
}
