package adapter

import (
	"context"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// Operation names a provider endpoint class.
type Operation string

const (
	OpGenerate Operation = "generate"
	OpEdit     Operation = "edit"
	OpDescribe Operation = "describe"
)

// ImageRequest is a text-to-image call.
type ImageRequest struct {
	Model   string
	Prompt  string
	Size    string
	Quality string
	Style   string
}

// EditRequest is an image-edit call against source bytes.
type EditRequest struct {
	Model  string
	Prompt string
	Size   string
	Source *artifact.Image
}

// DescribeRequest asks a vision model for a textual description of an image.
type DescribeRequest struct {
	Model       string
	Instruction string
	Source      *artifact.Image
}

// Adapter defines the interface for image provider adapters.
//
// Implementations convert every provider failure into an *AdapterError before
// returning it.
type Adapter interface {
	// GenerateImage calls the provider's text-to-image endpoint.
	GenerateImage(ctx context.Context, req ImageRequest) ([]*artifact.Image, error)

	// EditImage calls the provider's image-edit endpoint.
	EditImage(ctx context.Context, req EditRequest) ([]*artifact.Image, error)

	// Describe calls the provider's vision endpoint and returns plain text.
	Describe(ctx context.Context, req DescribeRequest) (string, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}
