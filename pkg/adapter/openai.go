package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// OpenAIAdapter implements the Adapter interface for OpenAI image models.
type OpenAIAdapter struct {
	client openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter. Retries are handled by the
// caller, so the SDK's own retry loop is disabled.
func NewOpenAIAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Models returns the list of supported OpenAI models.
func (a *OpenAIAdapter) Models() []string {
	return []string{
		"dall-e-2",
		"dall-e-3",
		"gpt-image-1",
		"gpt-4o",
		"gpt-4o-mini",
	}
}

// GenerateImage calls the images endpoint and decodes inline payloads.
func (a *OpenAIAdapter) GenerateImage(ctx context.Context, req ImageRequest) ([]*artifact.Image, error) {
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(req.Model),
		N:      openai.Int(1),
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	if isDalle(req.Model) {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
		if req.Quality != "" {
			params.Quality = openai.ImageGenerateParamsQuality(req.Quality)
		}
		if req.Model == "dall-e-3" {
			if style := openAIStyle(req.Style); style != "" {
				params.Style = openai.ImageGenerateParamsStyle(style)
			}
		}
	}

	resp, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}
	return a.decodeImages(resp, req.Model, req.Prompt)
}

// EditImage uploads the source bytes to the image edit endpoint.
func (a *OpenAIAdapter) EditImage(ctx context.Context, req EditRequest) ([]*artifact.Image, error) {
	if !req.Source.HasData() {
		return nil, &AdapterError{Kind: KindOther, Err: fmt.Errorf("openai: edit requires source image bytes")}
	}

	filename := "source" + artifact.ExtensionFor(req.Source.MimeType)
	params := openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(bytes.NewReader(req.Source.Data), filename, req.Source.MimeType),
		},
		Prompt: req.Prompt,
		Model:  openai.ImageModel(req.Model),
		N:      openai.Int(1),
	}
	if req.Size != "" {
		params.Size = openai.ImageEditParamsSize(req.Size)
	}
	if isDalle(req.Model) {
		params.ResponseFormat = openai.ImageEditParamsResponseFormatB64JSON
	}

	resp, err := a.client.Images.Edit(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}
	return a.decodeImages(resp, req.Model, req.Prompt)
}

// Describe sends the image to a vision-capable chat model.
func (a *OpenAIAdapter) Describe(ctx context.Context, req DescribeRequest) (string, error) {
	if !req.Source.HasData() {
		return "", &AdapterError{Kind: KindOther, Err: fmt.Errorf("openai: describe requires source image bytes")}
	}

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(req.Instruction),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: req.Source.DataURL(),
				}),
			}),
		},
		MaxCompletionTokens: openai.Int(600),
	})
	if err != nil {
		return "", a.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return "", emptyResponse(a.Name(), "choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *OpenAIAdapter) decodeImages(resp *openai.ImagesResponse, model, prompt string) ([]*artifact.Image, error) {
	if resp == nil || len(resp.Data) == 0 {
		return nil, emptyResponse(a.Name(), "images")
	}

	images := make([]*artifact.Image, 0, len(resp.Data))
	for _, item := range resp.Data {
		switch {
		case item.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(item.B64JSON)
			if err != nil {
				return nil, wrapTransport(a.Name(), fmt.Errorf("decode image payload: %w", err))
			}
			images = append(images, artifact.FromBytes(data, "", a.Name(), model, prompt))
		case item.URL != "":
			images = append(images, artifact.FromURL(item.URL, a.Name(), model, prompt))
		}
	}
	if len(images) == 0 {
		return nil, emptyResponse(a.Name(), "image data")
	}
	return images, nil
}

func (a *OpenAIAdapter) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classify(a.Name(), apiErr.StatusCode, apiErr.Code, apiErr.Message, err)
	}
	return wrapTransport(a.Name(), err)
}

func isDalle(model string) bool {
	return strings.HasPrefix(model, "dall-e")
}

// openAIStyle maps free-form style tags onto the two styles dall-e-3 accepts.
func openAIStyle(style string) string {
	switch strings.ToLower(style) {
	case "realistic", "natural", "minimalist", "vintage":
		return "natural"
	case "":
		return ""
	default:
		return "vivid"
	}
}
