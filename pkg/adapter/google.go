package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/artifact"
	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(ctx context.Context, apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Models returns the list of supported Gemini models.
func (a *GoogleAdapter) Models() []string {
	return []string{
		"gemini-2.5-flash-image",
		"gemini-2.5-flash",
	}
}

// GenerateImage asks a Gemini image model for an inline image.
func (a *GoogleAdapter) GenerateImage(ctx context.Context, req ImageRequest) ([]*artifact.Image, error) {
	prompt := req.Prompt
	if req.Size != "" {
		prompt = fmt.Sprintf("%s\n\nOutput size: %s.", prompt, req.Size)
	}
	contents := genai.Text(prompt)
	return a.generateImages(ctx, req.Model, req.Prompt, contents)
}

// EditImage sends the source bytes and instruction in one multimodal turn.
func (a *GoogleAdapter) EditImage(ctx context.Context, req EditRequest) ([]*artifact.Image, error) {
	if !req.Source.HasData() {
		return nil, &AdapterError{Kind: KindOther, Err: fmt.Errorf("google: edit requires source image bytes")}
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Source.Data, req.Source.MimeType),
		genai.NewPartFromText(req.Prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	return a.generateImages(ctx, req.Model, req.Prompt, contents)
}

// Describe returns Gemini's textual description of the source image.
func (a *GoogleAdapter) Describe(ctx context.Context, req DescribeRequest) (string, error) {
	if !req.Source.HasData() {
		return "", &AdapterError{Kind: KindOther, Err: fmt.Errorf("google: describe requires source image bytes")}
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Source.Data, req.Source.MimeType),
		genai.NewPartFromText(req.Instruction),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		return "", a.wrapError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", emptyResponse(a.Name(), "candidates")
	}

	var content strings.Builder
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(content.String()), nil
}

func (a *GoogleAdapter) generateImages(ctx context.Context, model, prompt string, contents []*genai.Content) ([]*artifact.Image, error) {
	resp, err := a.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return nil, a.wrapError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, emptyResponse(a.Name(), "candidates")
	}

	var images []*artifact.Image
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			images = append(images, artifact.FromBytes(part.InlineData.Data, part.InlineData.MIMEType, a.Name(), model, prompt))
		}
	}
	if len(images) == 0 {
		return nil, emptyResponse(a.Name(), "image data")
	}
	return images, nil
}

func (a *GoogleAdapter) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classify(a.Name(), apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classify(a.Name(), apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message, err)
	}
	return wrapTransport(a.Name(), err)
}
