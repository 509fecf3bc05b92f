// Package persist stores generated images and their metadata.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zen-systems/pixelgate/pkg/artifact"
)

var (
	// ErrNotFound is returned when an image does not exist for the owner.
	ErrNotFound = errors.New("image not found")
	// ErrCaptionTooLong is returned when a caption update exceeds the limit.
	ErrCaptionTooLong = errors.New("caption too long")
)

// Generation sources.
const (
	SourceTemplate   = "template"
	SourceSuggestion = "suggestion"
	SourceManual     = "manual"
)

// GeneratedImage is a persisted generation result.
type GeneratedImage struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	AssetURL         string    `json:"asset_url"`
	OriginalAssetURL string    `json:"original_asset_url,omitempty"`
	Prompt           string    `json:"prompt"`
	Caption          string    `json:"caption,omitempty"`
	Style            string    `json:"style,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	Size             string    `json:"size,omitempty"`
	TemplateID       string    `json:"template_id,omitempty"`
	SuggestionID     string    `json:"suggestion_id,omitempty"`
	GenerationSource string    `json:"generation_source,omitempty"`
	Favorite         bool      `json:"favorite"`
	Downloads        int64     `json:"downloads"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Metadata is the descriptive data attached to a persisted image.
type Metadata struct {
	OriginalAssetURL string
	Prompt           string
	Caption          string
	Style            string
	Platform         string
	Size             string
	TemplateID       string
	SuggestionID     string
	GenerationSource string
}

// Update holds the mutable fields of an existing image. Nil fields are left
// unchanged.
type Update struct {
	Caption  *string `json:"caption,omitempty"`
	Favorite *bool   `json:"favorite,omitempty"`
}

// Store is the relational backend for generated images.
//
// UpsertImages writes imgs in one transaction: either every row is written or
// none is. Each img is inserted or, when a row with the same (UserID,
// AssetURL) exists, merged into it: non-empty descriptive and linkage fields
// replace the stored ones, empty ones keep the stored values. ID, CreatedAt,
// Favorite and Downloads of an existing row are preserved. The stored rows are
// returned in input order.
type Store interface {
	UpsertImages(ctx context.Context, imgs []*GeneratedImage) ([]*GeneratedImage, error)
	GetImage(ctx context.Context, userID, id string) (*GeneratedImage, error)
	ListImages(ctx context.Context, userID string, limit int) ([]GeneratedImage, error)
	UpdateImage(ctx context.Context, userID, id string, update Update) (*GeneratedImage, error)
	IncrementDownloads(ctx context.Context, userID, id string) (*GeneratedImage, error)
}

// Archive writes image bytes to durable storage.
type Archive interface {
	StoreImage(ctx context.Context, img *artifact.Image) error
}

// Persister owns GeneratedImage records.
type Persister struct {
	store   Store
	archive Archive
	log     *logrus.Logger

	maxCaptionLength int
}

// New creates a Persister.
func New(store Store, archive Archive, log *logrus.Logger, maxCaptionLength int) *Persister {
	return &Persister{store: store, archive: archive, log: log, maxCaptionLength: maxCaptionLength}
}

// Persist makes sure img is durably archived (downloading remote URLs) and
// upserts its record keyed by (owner, canonical asset URL).
func (p *Persister) Persist(ctx context.Context, owner string, img *artifact.Image, meta Metadata) (*GeneratedImage, error) {
	stored, err := p.PersistAll(ctx, owner, []*artifact.Image{img}, meta)
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// PersistAll archives every image of one generation and then upserts all
// their records together. When it fails no record has been written.
func (p *Persister) PersistAll(ctx context.Context, owner string, imgs []*artifact.Image, meta Metadata) ([]*GeneratedImage, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("persist: owner is required")
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("persist: no images")
	}

	now := time.Now().UTC()
	records := make([]*GeneratedImage, 0, len(imgs))
	for _, img := range imgs {
		if img == nil {
			return nil, fmt.Errorf("persist: nil image")
		}
		if !img.Stored() {
			if err := p.archive.StoreImage(ctx, img); err != nil {
				return nil, fmt.Errorf("persist: archive image: %w", err)
			}
		}
		prompt := meta.Prompt
		if prompt == "" {
			prompt = img.Prompt
		}
		records = append(records, &GeneratedImage{
			ID:               uuid.NewString(),
			UserID:           owner,
			AssetURL:         img.URL,
			OriginalAssetURL: meta.OriginalAssetURL,
			Prompt:           prompt,
			Caption:          meta.Caption,
			Style:            meta.Style,
			Platform:         meta.Platform,
			Size:             meta.Size,
			TemplateID:       meta.TemplateID,
			SuggestionID:     meta.SuggestionID,
			GenerationSource: meta.GenerationSource,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	stored, err := p.store.UpsertImages(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("persist: upsert images: %w", err)
	}

	for i, rec := range stored {
		p.log.WithFields(logrus.Fields{
			"user_id":   owner,
			"image_id":  rec.ID,
			"asset_url": rec.AssetURL,
			"bytes":     imgs[i].Size,
		}).Debug("image persisted")
	}
	return stored, nil
}

// Get returns one of the owner's images.
func (p *Persister) Get(ctx context.Context, owner, id string) (*GeneratedImage, error) {
	return p.store.GetImage(ctx, owner, id)
}

// List returns the owner's images, newest first.
func (p *Persister) List(ctx context.Context, owner string, limit int) ([]GeneratedImage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return p.store.ListImages(ctx, owner, limit)
}

// UpdateCaption replaces the caption of an image.
func (p *Persister) UpdateCaption(ctx context.Context, owner, id, caption string) (*GeneratedImage, error) {
	if p.maxCaptionLength > 0 && len([]rune(caption)) > p.maxCaptionLength {
		return nil, fmt.Errorf("persist: %w: limit is %d characters", ErrCaptionTooLong, p.maxCaptionLength)
	}
	return p.store.UpdateImage(ctx, owner, id, Update{Caption: &caption})
}

// SetFavorite sets the favorite flag of an image.
func (p *Persister) SetFavorite(ctx context.Context, owner, id string, favorite bool) (*GeneratedImage, error) {
	return p.store.UpdateImage(ctx, owner, id, Update{Favorite: &favorite})
}

// Apply applies a partial update.
func (p *Persister) Apply(ctx context.Context, owner, id string, update Update) (*GeneratedImage, error) {
	if update.Caption != nil && p.maxCaptionLength > 0 && len([]rune(*update.Caption)) > p.maxCaptionLength {
		return nil, fmt.Errorf("persist: %w: limit is %d characters", ErrCaptionTooLong, p.maxCaptionLength)
	}
	return p.store.UpdateImage(ctx, owner, id, update)
}

// RecordDownload increments the download counter of an image.
func (p *Persister) RecordDownload(ctx context.Context, owner, id string) (*GeneratedImage, error) {
	return p.store.IncrementDownloads(ctx, owner, id)
}
