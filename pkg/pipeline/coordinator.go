// Package pipeline runs token-metered generation requests.
//
// A request moves through Received, Moderated, Priced, Debited and Generating
// and ends in Succeeded or FailedRefunded. Once tokens are debited the run is
// detached from caller cancellation, so it always either persists its result
// or refunds the exact debited amount.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/audit"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/generate"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/metrics"
	"github.com/zen-systems/pixelgate/pkg/moderation"
	"github.com/zen-systems/pixelgate/pkg/persist"
	"github.com/zen-systems/pixelgate/pkg/pricing"
)

const refundAttempts = 3

// Driver is the provider side of the pipeline.
type Driver interface {
	FromText(ctx context.Context, req generate.TextRequest) (*generate.Output, error)
	Transform(ctx context.Context, req generate.TransformRequest) (*generate.Output, error)
	Variations(ctx context.Context, req generate.VariationRequest) (*generate.Output, error)
}

// SourceLoader resolves a source-image reference into bytes.
type SourceLoader interface {
	Load(ctx context.Context, ref string) (*artifact.Image, error)
}

// Request is a single generation request.
type Request struct {
	UserID           string       `json:"-"`
	RequestID        string       `json:"request_id,omitempty"`
	Mode             pricing.Mode `json:"mode"`
	Prompt           string       `json:"prompt,omitempty"`
	Caption          string       `json:"caption,omitempty"`
	Style            string       `json:"style,omitempty"`
	Platform         string       `json:"platform,omitempty"`
	Size             string       `json:"size,omitempty"`
	Quality          string       `json:"quality,omitempty"`
	SourceImage      string       `json:"source_image,omitempty"`
	Count            int          `json:"count,omitempty"`
	TemplateID       string       `json:"template_id,omitempty"`
	TemplateCost     int64        `json:"template_cost,omitempty"`
	SuggestionID     string       `json:"suggestion_id,omitempty"`
	GenerationSource string       `json:"generation_source,omitempty"`
}

// Result is a successful generation.
type Result struct {
	RequestID    string                    `json:"request_id"`
	Mode         pricing.Mode              `json:"mode"`
	Cost         int64                     `json:"cost"`
	Balance      int64                     `json:"balance"`
	AssetURL     string                    `json:"asset_url"`
	Images       []*persist.GeneratedImage `json:"images"`
	FallbackUsed bool                      `json:"fallback_used"`
}

// Options wires a Coordinator.
type Options struct {
	Moderator *moderation.Moderator
	Pricing   *pricing.Engine
	Ledger    *ledger.Ledger
	Trail     *audit.Trail
	Driver    Driver
	Persister *persist.Persister
	Sources   SourceLoader
	Limits    config.LimitsConfig
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
}

// Coordinator runs the generation state machine.
type Coordinator struct {
	moderator *moderation.Moderator
	pricing   *pricing.Engine
	ledger    *ledger.Ledger
	trail     *audit.Trail
	driver    Driver
	persister *persist.Persister
	sources   SourceLoader
	limits    config.LimitsConfig
	log       *logrus.Logger
	metrics   *metrics.Metrics

	now           func() time.Time
	refundBackoff time.Duration
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		moderator:     opts.Moderator,
		pricing:       opts.Pricing,
		ledger:        opts.Ledger,
		trail:         opts.Trail,
		driver:        opts.Driver,
		persister:     opts.Persister,
		sources:       opts.Sources,
		limits:        opts.Limits,
		log:           opts.Log,
		metrics:       opts.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
		refundBackoff: 200 * time.Millisecond,
	}
}

// Quote prices req without touching the ledger.
func (c *Coordinator) Quote(req Request) (int64, error) {
	req = c.normalize(req)
	if err := c.validate(req); err != nil {
		return 0, err
	}
	return c.price(req), nil
}

// Generate runs req to a terminal state. Every returned error is an *Error.
func (c *Coordinator) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	req = c.normalize(req)
	logger := c.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"user_id":    req.UserID,
		"mode":       req.Mode,
	})

	// Received -> Moderated
	if err := c.validate(req); err != nil {
		c.metrics.Generation(string(req.Mode), string(ErrInvalidRequest))
		if req.UserID != "" {
			c.record(ctx, req, audit.KindInvalid, map[string]any{"reason": err.Message})
		}
		return nil, err
	}

	verdict := c.moderator.Moderate(req.Prompt, req.Caption)
	if !verdict.Allowed {
		c.record(ctx, req, audit.KindBlocked, map[string]any{
			"reason": verdict.Reason,
			"rule":   string(verdict.Rule),
			"term":   verdict.Term,
		})
		c.metrics.Generation(string(req.Mode), string(ErrBlocked))
		logger.WithField("rule", verdict.Rule).Info("request blocked by moderation")
		return nil, &Error{Kind: ErrBlocked, Message: verdict.Reason, RequestID: req.RequestID}
	}

	var source *artifact.Image
	if req.Mode != pricing.ModeGenerate {
		img, err := c.sources.Load(ctx, req.SourceImage)
		if err != nil {
			c.record(ctx, req, audit.KindInvalid, map[string]any{"reason": "source image could not be loaded"})
			c.metrics.Generation(string(req.Mode), string(ErrInvalidRequest))
			logger.WithError(err).Info("source image could not be loaded")
			return nil, &Error{Kind: ErrInvalidRequest, Message: "source image could not be loaded", RequestID: req.RequestID, Err: err}
		}
		source = img
	}

	// Moderated -> Priced
	cost := c.price(req)

	if err := c.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	// Priced -> Debited
	receipt, err := c.ledger.Debit(ctx, req.UserID, cost, fmt.Sprintf("%s generation (request %s)", req.Mode, req.RequestID))
	if err != nil {
		var fundsErr *ledger.InsufficientFundsError
		if errors.As(err, &fundsErr) {
			c.record(ctx, req, audit.KindInsufficientFunds, map[string]any{
				"required":  fundsErr.Required,
				"available": fundsErr.Available,
			})
			c.metrics.Generation(string(req.Mode), string(ErrInsufficientFunds))
			return nil, &Error{
				Kind:      ErrInsufficientFunds,
				Message:   fmt.Sprintf("this generation costs %d tokens but only %d are available", fundsErr.Required, fundsErr.Available),
				RequestID: req.RequestID,
				Required:  fundsErr.Required,
				Available: fundsErr.Available,
			}
		}
		c.metrics.Generation(string(req.Mode), string(ErrInternal))
		return nil, &Error{Kind: ErrInternal, Message: "could not reserve tokens", RequestID: req.RequestID, Err: err}
	}

	// Debited: the run must reach a terminal state regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	defer c.metrics.ObserveDuration(string(req.Mode), start)

	// Debited -> Generating
	c.record(ctx, req, audit.KindAttempt, map[string]any{
		"cost":    cost,
		"balance": receipt.Balance,
	})

	out, err := c.drive(ctx, req, source)
	if err != nil {
		kind, message := providerFailure(err)
		return nil, c.failAndRefund(ctx, req, cost, out, kind, message, err)
	}

	images, err := c.persistAll(ctx, req, source, out)
	if err != nil {
		return nil, c.failAndRefund(ctx, req, cost, out, ErrInternal, "generated images could not be saved", err)
	}

	// Generating -> Succeeded
	var totalBytes int64
	for _, img := range out.Images {
		totalBytes += img.Size
	}
	c.record(ctx, req, audit.KindSucceeded, map[string]any{
		"cost":          cost,
		"asset_url":     images[0].AssetURL,
		"asset_bytes":   totalBytes,
		"images":        len(images),
		"fallback_used": out.FallbackUsed,
		"calls":         auditCalls(out.Reports),
	})
	c.metrics.Generation(string(req.Mode), "succeeded")
	logger.WithFields(logrus.Fields{
		"cost":     cost,
		"images":   len(images),
		"fallback": out.FallbackUsed,
	}).Info("generation succeeded")

	return &Result{
		RequestID:    req.RequestID,
		Mode:         req.Mode,
		Cost:         cost,
		Balance:      receipt.Balance,
		AssetURL:     images[0].AssetURL,
		Images:       images,
		FallbackUsed: out.FallbackUsed,
	}, nil
}

func (c *Coordinator) normalize(req Request) Request {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Mode = pricing.Mode(strings.ToLower(strings.TrimSpace(string(req.Mode))))
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SourceImage = strings.TrimSpace(req.SourceImage)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Size == "" {
		req.Size = c.limits.DefaultSize
	}
	if req.Mode == pricing.ModeVariation && req.Count == 0 {
		req.Count = c.limits.DefaultVariations
	}
	if req.GenerationSource == "" {
		switch {
		case req.TemplateID != "":
			req.GenerationSource = persist.SourceTemplate
		case req.SuggestionID != "":
			req.GenerationSource = persist.SourceSuggestion
		default:
			req.GenerationSource = persist.SourceManual
		}
	}
	return req
}

func (c *Coordinator) validate(req Request) *Error {
	var err *Error
	switch {
	case req.UserID == "":
		err = invalid("user id is required")
	case !req.Mode.Valid():
		err = invalid("unknown mode %q", req.Mode)
	case req.Mode == pricing.ModeGenerate && req.Prompt == "":
		err = invalid("prompt is required for generate")
	case req.Mode != pricing.ModeGenerate && req.SourceImage == "":
		err = invalid("source_image is required for %s", req.Mode)
	case req.Mode == pricing.ModeVariation && (req.Count < 1 || req.Count > c.limits.MaxVariations):
		err = invalid("count must be between 1 and %d", c.limits.MaxVariations)
	case req.TemplateCost < 0:
		err = invalid("template_cost must not be negative")
	case req.GenerationSource != persist.SourceTemplate &&
		req.GenerationSource != persist.SourceSuggestion &&
		req.GenerationSource != persist.SourceManual:
		err = invalid("unknown generation_source %q", req.GenerationSource)
	}
	if err != nil {
		err.RequestID = req.RequestID
	}
	return err
}

func (c *Coordinator) price(req Request) int64 {
	return c.pricing.Price(pricing.Request{
		Mode:         req.Mode,
		Style:        req.Style,
		Platform:     req.Platform,
		Size:         req.Size,
		Count:        req.Count,
		TemplateCost: req.TemplateCost,
	})
}

// checkRateLimit counts the user's successful generations in the trailing
// window.
func (c *Coordinator) checkRateLimit(ctx context.Context, req Request) error {
	if c.limits.GenerationsPerWindow <= 0 {
		return nil
	}
	window := time.Duration(c.limits.WindowMinutes) * time.Minute
	count, err := c.trail.CountSince(ctx, req.UserID, audit.KindSucceeded, c.now().Add(-window))
	if err != nil {
		c.metrics.Generation(string(req.Mode), string(ErrInternal))
		return &Error{Kind: ErrInternal, Message: "could not check rate limit", RequestID: req.RequestID, Err: err}
	}
	if count < c.limits.GenerationsPerWindow {
		return nil
	}

	c.record(ctx, req, audit.KindRateLimited, map[string]any{
		"count":          count,
		"limit":          c.limits.GenerationsPerWindow,
		"window_minutes": c.limits.WindowMinutes,
	})
	c.metrics.Generation(string(req.Mode), string(ErrRateLimited))
	return &Error{
		Kind:      ErrRateLimited,
		Message:   fmt.Sprintf("limit of %d generations per %d minutes reached", c.limits.GenerationsPerWindow, c.limits.WindowMinutes),
		RequestID: req.RequestID,
	}
}

func (c *Coordinator) drive(ctx context.Context, req Request, source *artifact.Image) (*generate.Output, error) {
	switch req.Mode {
	case pricing.ModeTransform:
		return c.driver.Transform(ctx, generate.TransformRequest{
			Source: source,
			Prompt: req.Prompt,
			Style:  req.Style,
			Size:   req.Size,
		})
	case pricing.ModeVariation:
		return c.driver.Variations(ctx, generate.VariationRequest{
			Source: source,
			Count:  req.Count,
			Size:   req.Size,
		})
	default:
		return c.driver.FromText(ctx, generate.TextRequest{
			Prompt:  req.Prompt,
			Size:    req.Size,
			Style:   req.Style,
			Quality: req.Quality,
		})
	}
}

func (c *Coordinator) persistAll(ctx context.Context, req Request, source *artifact.Image, out *generate.Output) ([]*persist.GeneratedImage, error) {
	if out == nil || len(out.Images) == 0 {
		return nil, fmt.Errorf("driver returned no images")
	}
	meta := persist.Metadata{
		Prompt:           req.Prompt,
		Caption:          req.Caption,
		Style:            req.Style,
		Platform:         req.Platform,
		Size:             req.Size,
		TemplateID:       req.TemplateID,
		SuggestionID:     req.SuggestionID,
		GenerationSource: req.GenerationSource,
	}
	if source != nil && !strings.HasPrefix(source.URL, "data:") {
		meta.OriginalAssetURL = source.URL
	}

	return c.persister.PersistAll(ctx, req.UserID, out.Images, meta)
}

// auditCalls strips provider error text from call reports before they are
// recorded. Audit events are returned to users, so only the error kind stays.
func auditCalls(reports []adapter.CallReport) []adapter.CallReport {
	calls := make([]adapter.CallReport, len(reports))
	for i, r := range reports {
		r.Error = ""
		calls[i] = r
	}
	return calls
}

// failAndRefund moves a debited request to FailedRefunded: the exact cost is
// credited back, then the failed and refunded events are recorded.
func (c *Coordinator) failAndRefund(ctx context.Context, req Request, cost int64, out *generate.Output, kind ErrorKind, message string, cause error) *Error {
	logger := c.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"user_id":    req.UserID,
		"mode":       req.Mode,
		"cost":       cost,
	})
	entry := logger.WithError(cause)
	if out != nil {
		entry = entry.WithField("calls", out.Reports)
	}
	entry.Warn("generation failed, refunding")

	receipt, refundErr := c.refund(ctx, req, cost)

	detail := map[string]any{
		"error":      message,
		"error_kind": string(kind),
		"cost":       cost,
	}
	if out != nil {
		detail["calls"] = auditCalls(out.Reports)
	}
	if refundErr != nil {
		detail["refund_failed"] = true
	}
	c.record(ctx, req, audit.KindFailed, detail)

	if refundErr == nil {
		c.record(ctx, req, audit.KindRefunded, map[string]any{
			"amount":         cost,
			"balance":        receipt.Balance,
			"transaction_id": receipt.Transaction.ID,
		})
	} else {
		logger.WithError(refundErr).Error("refund failed")
	}

	c.metrics.Generation(string(req.Mode), string(kind))
	return &Error{
		Kind:      kind,
		Message:   message,
		RequestID: req.RequestID,
		Refunded:  refundErr == nil,
		Err:       cause,
	}
}

func (c *Coordinator) refund(ctx context.Context, req Request, cost int64) (*ledger.Receipt, error) {
	description := fmt.Sprintf("refund for failed %s generation (request %s)", req.Mode, req.RequestID)
	var lastErr error
	for attempt := 0; attempt < refundAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.refundBackoff << (attempt - 1))
			<-timer.C
		}
		receipt, err := c.ledger.Credit(ctx, req.UserID, cost, description, ledger.KindEarned)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// record appends an audit event. Audit store failures are logged by the trail
// and never change the outcome of a request.
func (c *Coordinator) record(ctx context.Context, req Request, kind audit.Kind, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["mode"] = string(req.Mode)
	_, _ = c.trail.Record(ctx, req.UserID, req.RequestID, kind, detail)
}
