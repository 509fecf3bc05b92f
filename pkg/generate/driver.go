// Package generate drives the image provider for each generation mode.
//
// Text-to-image has no fallback. Transform tries the provider's edit endpoint
// and falls back to describe-then-generate. Variations describe the source
// once and generate each variant independently, tolerating partial failure.
// Every returned image has been written to the archive.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/metrics"
	"github.com/zen-systems/pixelgate/pkg/prompt"
)

// Target is an adapter and the model it is called with.
type Target struct {
	Adapter adapter.Adapter
	Model   string
}

// Options configures a Driver.
type Options struct {
	Image   Target
	Edit    Target
	Vision  Target
	Quality string
	Timeout time.Duration
	Retry   config.RetryConfig
}

// Archive durably stores image bytes and sets the image's canonical reference.
type Archive interface {
	StoreImage(ctx context.Context, img *artifact.Image) error
}

// Driver owns the provider clients used by the pipeline.
type Driver struct {
	image   Target
	edit    Target
	vision  Target
	quality string
	timeout time.Duration
	retry   config.RetryConfig

	prompts *prompt.Builder
	archive Archive
	log     *logrus.Logger
	metrics *metrics.Metrics
}

// New creates a Driver.
func New(opts Options, prompts *prompt.Builder, archive Archive, log *logrus.Logger, m *metrics.Metrics) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if prompts == nil {
		prompts = prompt.New(config.PromptConfig{})
	}
	return &Driver{
		image:   opts.Image,
		edit:    opts.Edit,
		vision:  opts.Vision,
		quality: opts.Quality,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		prompts: prompts,
		archive: archive,
		log:     log,
		metrics: m,
	}
}

// FromConfig builds a Driver from the providers section, looking adapters up
// in registry.
func FromConfig(cfg *config.Config, registry adapter.Registry, archive Archive, log *logrus.Logger, m *metrics.Metrics) (*Driver, error) {
	resolve := func(op string, rt config.RouteTarget) (Target, error) {
		a, err := registry.Get(rt.Adapter)
		if err != nil {
			return Target{}, fmt.Errorf("providers.%s: %w", op, err)
		}
		return Target{Adapter: a, Model: rt.Model}, nil
	}

	image, err := resolve("image", cfg.Providers.Image)
	if err != nil {
		return nil, err
	}
	edit, err := resolve("edit", cfg.Providers.Edit)
	if err != nil {
		return nil, err
	}
	vision, err := resolve("vision", cfg.Providers.Vision)
	if err != nil {
		return nil, err
	}

	return New(Options{
		Image:   image,
		Edit:    edit,
		Vision:  vision,
		Quality: cfg.Providers.Quality,
		Timeout: cfg.ProviderTimeout(),
		Retry:   cfg.Providers.Retry,
	}, prompt.New(cfg.Prompt), archive, log, m), nil
}

// TextRequest is a text-to-image generation.
type TextRequest struct {
	Prompt  string
	Size    string
	Style   string
	Quality string
}

// TransformRequest edits a source image according to a prompt.
type TransformRequest struct {
	Source *artifact.Image
	Prompt string
	Style  string
	Size   string
}

// VariationRequest produces Count variants of a source image.
type VariationRequest struct {
	Source *artifact.Image
	Count  int
	Size   string
}

// Output is the result of a driver operation. It is returned on failure too,
// so callers can record the provider calls that were made.
type Output struct {
	Images       []*artifact.Image    `json:"images"`
	Reports      []adapter.CallReport `json:"reports"`
	FallbackUsed bool                 `json:"fallback_used"`
}

// FromText makes a single text-to-image call. Failure is terminal.
func (d *Driver) FromText(ctx context.Context, req TextRequest) (*Output, error) {
	out := &Output{}
	quality := req.Quality
	if quality == "" {
		quality = d.quality
	}
	images, err := d.generateImages(ctx, out, false, adapter.ImageRequest{
		Prompt:  d.prompts.Compose(req.Prompt, req.Style),
		Size:    req.Size,
		Quality: quality,
		Style:   req.Style,
	})
	if err != nil {
		return out, err
	}
	if err := d.store(ctx, images); err != nil {
		return out, err
	}
	out.Images = images
	return out, nil
}

// Transform edits the source image. When the edit endpoint fails for any
// reason the source is described and a fresh image generated from the prompt
// and the description. If that fails too, the edit error is returned.
func (d *Driver) Transform(ctx context.Context, req TransformRequest) (*Output, error) {
	out := &Output{}
	if req.Source == nil || !req.Source.HasData() {
		return out, fmt.Errorf("transform: source image has no data")
	}
	composed := d.prompts.Compose(req.Prompt, req.Style)

	var images []*artifact.Image
	report, err := d.callProvider(ctx, d.edit, adapter.OpEdit, false, func(ctx context.Context, a adapter.Adapter, model string) error {
		var callErr error
		images, callErr = a.EditImage(ctx, adapter.EditRequest{
			Model:  model,
			Prompt: composed,
			Size:   req.Size,
			Source: req.Source,
		})
		if callErr == nil && len(images) == 0 {
			callErr = fmt.Errorf("%s returned no images", a.Name())
		}
		return callErr
	})
	out.Reports = append(out.Reports, report)
	if err == nil {
		if err := d.store(ctx, images); err != nil {
			return out, err
		}
		out.Images = images
		return out, nil
	}

	primaryErr := err
	d.log.WithFields(logrus.Fields{
		"adapter":    report.Adapter,
		"model":      report.Model,
		"error_kind": report.ErrorKind,
	}).WithError(err).Info("image edit failed, falling back to describe and generate")

	images, err = d.transformFallback(ctx, out, req.Source, composed, req.Size)
	if err != nil {
		d.log.WithError(err).Warn("transform fallback failed")
		return out, primaryErr
	}
	out.Images = images
	out.FallbackUsed = true
	return out, nil
}

// transformFallback describes the source and generates a new image seeded
// with the prompt and the description.
func (d *Driver) transformFallback(ctx context.Context, out *Output, source *artifact.Image, composed, size string) ([]*artifact.Image, error) {
	description, err := d.describe(ctx, out, true, source)
	if err != nil {
		return nil, err
	}

	images, err := d.generateImages(ctx, out, true, adapter.ImageRequest{
		Prompt:  prompt.FallbackSeed(composed, description),
		Size:    size,
		Quality: d.quality,
	})
	if err != nil {
		return nil, err
	}
	if err := d.store(ctx, images); err != nil {
		return nil, err
	}
	return images, nil
}

// Variations describes the source once and generates req.Count variants one
// after another. Failed variants are skipped; the first error is returned
// only when none succeed.
func (d *Driver) Variations(ctx context.Context, req VariationRequest) (*Output, error) {
	out := &Output{}
	if req.Source == nil || !req.Source.HasData() {
		return out, fmt.Errorf("variations: source image has no data")
	}
	count := req.Count
	if count < 1 {
		count = 1
	}

	description, err := d.describe(ctx, out, false, req.Source)
	if err != nil {
		return out, err
	}

	var firstErr error
	for i := 0; i < count; i++ {
		images, err := d.generateImages(ctx, out, false, adapter.ImageRequest{
			Prompt:  d.prompts.Variation(description, i),
			Size:    req.Size,
			Quality: d.quality,
		})
		if err == nil {
			err = d.store(ctx, images)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			d.log.WithFields(logrus.Fields{
				"variation": i + 1,
				"count":     count,
			}).WithError(err).Warn("variation failed")
			continue
		}
		out.Images = append(out.Images, images...)
	}

	if len(out.Images) == 0 {
		return out, firstErr
	}
	return out, nil
}

func (d *Driver) generateImages(ctx context.Context, out *Output, fallback bool, req adapter.ImageRequest) ([]*artifact.Image, error) {
	var images []*artifact.Image
	report, err := d.callProvider(ctx, d.image, adapter.OpGenerate, fallback, func(ctx context.Context, a adapter.Adapter, model string) error {
		req.Model = model
		var callErr error
		images, callErr = a.GenerateImage(ctx, req)
		if callErr == nil && len(images) == 0 {
			callErr = fmt.Errorf("%s returned no images", a.Name())
		}
		return callErr
	})
	out.Reports = append(out.Reports, report)
	return images, err
}

func (d *Driver) describe(ctx context.Context, out *Output, fallback bool, source *artifact.Image) (string, error) {
	var description string
	report, err := d.callProvider(ctx, d.vision, adapter.OpDescribe, fallback, func(ctx context.Context, a adapter.Adapter, model string) error {
		text, callErr := a.Describe(ctx, adapter.DescribeRequest{
			Model:       model,
			Instruction: d.prompts.DescribeInstruction(),
			Source:      source,
		})
		if callErr != nil {
			return callErr
		}
		description = strings.TrimSpace(text)
		if description == "" {
			return errEmptyDescription
		}
		return nil
	})
	out.Reports = append(out.Reports, report)
	return description, err
}

// store archives every image before any reference to it leaves the driver.
func (d *Driver) store(ctx context.Context, images []*artifact.Image) error {
	for _, img := range images {
		if err := d.archive.StoreImage(ctx, img); err != nil {
			return fmt.Errorf("store generated image: %w", err)
		}
	}
	return nil
}

var errEmptyDescription = errors.New("vision model returned an empty description")
