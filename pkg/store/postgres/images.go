package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/zen-systems/pixelgate/pkg/persist"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func coalesce(column string) clause.Expr {
	return gorm.Expr(fmt.Sprintf("COALESCE(EXCLUDED.%[1]s, generated_images.%[1]s)", column))
}

// UpsertImages inserts or merges every image in one transaction.
func (s *Store) UpsertImages(ctx context.Context, imgs []*persist.GeneratedImage) ([]*persist.GeneratedImage, error) {
	stored := make([]*persist.GeneratedImage, 0, len(imgs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, img := range imgs {
			row, err := upsertImage(tx, img)
			if err != nil {
				return err
			}
			stored = append(stored, toImage(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func upsertImage(tx *gorm.DB, img *persist.GeneratedImage) (imageRow, error) {
	row := imageRow{
		ID:               img.ID,
		UserID:           img.UserID,
		AssetURL:         img.AssetURL,
		OriginalAssetURL: optional(img.OriginalAssetURL),
		Prompt:           img.Prompt,
		Caption:          optional(img.Caption),
		Style:            optional(img.Style),
		Platform:         optional(img.Platform),
		Size:             optional(img.Size),
		TemplateID:       optional(img.TemplateID),
		SuggestionID:     optional(img.SuggestionID),
		GenerationSource: optional(img.GenerationSource),
		CreatedAt:        img.CreatedAt,
		UpdatedAt:        img.UpdatedAt,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "asset_url"}},
		DoUpdates: clause.Assignments(map[string]any{
			"original_asset_url": coalesce("original_asset_url"),
			"prompt":             gorm.Expr("CASE WHEN EXCLUDED.prompt <> '' THEN EXCLUDED.prompt ELSE generated_images.prompt END"),
			"caption":            coalesce("caption"),
			"style":              coalesce("style"),
			"platform":           coalesce("platform"),
			"size":               coalesce("size"),
			"template_id":        coalesce("template_id"),
			"suggestion_id":      coalesce("suggestion_id"),
			"generation_source":  coalesce("generation_source"),
			"updated_at":         gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&row).Error; err != nil {
		return imageRow{}, fmt.Errorf("upsert image: %w", err)
	}

	var stored imageRow
	if err := tx.Where("user_id = ? AND asset_url = ?", img.UserID, img.AssetURL).Take(&stored).Error; err != nil {
		return imageRow{}, fmt.Errorf("read upserted image: %w", err)
	}
	return stored, nil
}

// GetImage returns one of the user's images.
func (s *Store) GetImage(ctx context.Context, userID, id string) (*persist.GeneratedImage, error) {
	var row imageRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return toImage(row), nil
}

// ListImages returns the user's images, newest first.
func (s *Store) ListImages(ctx context.Context, userID string, limit int) ([]persist.GeneratedImage, error) {
	var rows []imageRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	images := make([]persist.GeneratedImage, 0, len(rows))
	for _, row := range rows {
		images = append(images, *toImage(row))
	}
	return images, nil
}

// UpdateImage applies the non-nil fields of update.
func (s *Store) UpdateImage(ctx context.Context, userID, id string, update persist.Update) (*persist.GeneratedImage, error) {
	values := map[string]any{"updated_at": s.now()}
	if update.Caption != nil {
		values["caption"] = optional(*update.Caption)
	}
	if update.Favorite != nil {
		values["favorite"] = *update.Favorite
	}
	return s.updateImage(ctx, userID, id, values)
}

// IncrementDownloads bumps the download counter.
func (s *Store) IncrementDownloads(ctx context.Context, userID, id string) (*persist.GeneratedImage, error) {
	return s.updateImage(ctx, userID, id, map[string]any{
		"downloads":  gorm.Expr("downloads + 1"),
		"updated_at": s.now(),
	})
}

func (s *Store) updateImage(ctx context.Context, userID, id string, values map[string]any) (*persist.GeneratedImage, error) {
	var row imageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&imageRow{}).Where("user_id = ? AND id = ?", userID, id).Updates(values)
		if result.Error != nil {
			return fmt.Errorf("update image: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return persist.ErrNotFound
		}
		return tx.Where("user_id = ? AND id = ?", userID, id).Take(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return toImage(row), nil
}

func toImage(row imageRow) *persist.GeneratedImage {
	return &persist.GeneratedImage{
		ID:               row.ID,
		UserID:           row.UserID,
		AssetURL:         row.AssetURL,
		OriginalAssetURL: deref(row.OriginalAssetURL),
		Prompt:           row.Prompt,
		Caption:          deref(row.Caption),
		Style:            deref(row.Style),
		Platform:         deref(row.Platform),
		Size:             deref(row.Size),
		TemplateID:       deref(row.TemplateID),
		SuggestionID:     deref(row.SuggestionID),
		GenerationSource: deref(row.GenerationSource),
		Favorite:         row.Favorite,
		Downloads:        row.Downloads,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
}
