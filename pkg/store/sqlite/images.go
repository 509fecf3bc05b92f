package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zen-systems/pixelgate/pkg/persist"
)

const imageColumns = `id, user_id, asset_url, original_asset_url, prompt, caption, style, platform, size,
	template_id, suggestion_id, generation_source, favorite, downloads, created_at, updated_at`

// UpsertImages inserts or merges every image in one transaction.
func (d *DB) UpsertImages(ctx context.Context, imgs []*persist.GeneratedImage) ([]*persist.GeneratedImage, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stored := make([]*persist.GeneratedImage, 0, len(imgs))
	for _, img := range imgs {
		row, err := upsertImage(ctx, tx, img)
		if err != nil {
			return nil, err
		}
		stored = append(stored, row)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, nil
}

func upsertImage(ctx context.Context, tx *sql.Tx, img *persist.GeneratedImage) (*persist.GeneratedImage, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO generated_images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(user_id, asset_url) DO UPDATE SET
			original_asset_url = COALESCE(excluded.original_asset_url, generated_images.original_asset_url),
			prompt             = CASE WHEN excluded.prompt <> '' THEN excluded.prompt ELSE generated_images.prompt END,
			caption            = COALESCE(excluded.caption, generated_images.caption),
			style              = COALESCE(excluded.style, generated_images.style),
			platform           = COALESCE(excluded.platform, generated_images.platform),
			size               = COALESCE(excluded.size, generated_images.size),
			template_id        = COALESCE(excluded.template_id, generated_images.template_id),
			suggestion_id      = COALESCE(excluded.suggestion_id, generated_images.suggestion_id),
			generation_source  = COALESCE(excluded.generation_source, generated_images.generation_source),
			updated_at         = excluded.updated_at
	`,
		img.ID, img.UserID, img.AssetURL, nullString(img.OriginalAssetURL), img.Prompt,
		nullString(img.Caption), nullString(img.Style), nullString(img.Platform), nullString(img.Size),
		nullString(img.TemplateID), nullString(img.SuggestionID), nullString(img.GenerationSource),
		formatTime(img.CreatedAt), formatTime(img.UpdatedAt),
	); err != nil {
		return nil, fmt.Errorf("upsert image: %w", err)
	}

	return scanImage(tx.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM generated_images WHERE user_id = ? AND asset_url = ?
	`, img.UserID, img.AssetURL))
}

// GetImage returns one of the user's images.
func (d *DB) GetImage(ctx context.Context, userID, id string) (*persist.GeneratedImage, error) {
	return scanImage(d.db.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM generated_images WHERE user_id = ? AND id = ?
	`, userID, id))
}

// ListImages returns the user's images, newest first.
func (d *DB) ListImages(ctx context.Context, userID string, limit int) ([]persist.GeneratedImage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+imageColumns+` FROM generated_images
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []persist.GeneratedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

// UpdateImage applies caption and favorite changes.
func (d *DB) UpdateImage(ctx context.Context, userID, id string, update persist.Update) (*persist.GeneratedImage, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(d.now())
	if update.Caption != nil {
		if err := execOne(ctx, tx, `UPDATE generated_images SET caption = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
			nullString(*update.Caption), now, userID, id); err != nil {
			return nil, err
		}
	}
	if update.Favorite != nil {
		if err := execOne(ctx, tx, `UPDATE generated_images SET favorite = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
			boolInt(*update.Favorite), now, userID, id); err != nil {
			return nil, err
		}
	}

	img, err := scanImage(tx.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM generated_images WHERE user_id = ? AND id = ?
	`, userID, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return img, nil
}

// IncrementDownloads bumps the download counter.
func (d *DB) IncrementDownloads(ctx context.Context, userID, id string) (*persist.GeneratedImage, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin download: %w", err)
	}
	defer tx.Rollback()

	if err := execOne(ctx, tx, `UPDATE generated_images SET downloads = downloads + 1, updated_at = ? WHERE user_id = ? AND id = ?`,
		formatTime(d.now()), userID, id); err != nil {
		return nil, err
	}
	img, err := scanImage(tx.QueryRowContext(ctx, `
		SELECT `+imageColumns+` FROM generated_images WHERE user_id = ? AND id = ?
	`, userID, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit download: %w", err)
	}
	return img, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*persist.GeneratedImage, error) {
	var (
		img                                      persist.GeneratedImage
		original, caption, style, platform, size sql.NullString
		templateID, suggestionID, source         sql.NullString
		favorite                                 int
		createdAt, updatedAt                     string
	)
	err := row.Scan(&img.ID, &img.UserID, &img.AssetURL, &original, &img.Prompt, &caption, &style, &platform, &size,
		&templateID, &suggestionID, &source, &favorite, &img.Downloads, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan image: %w", err)
	}
	img.OriginalAssetURL = original.String
	img.Caption = caption.String
	img.Style = style.String
	img.Platform = platform.String
	img.Size = size.String
	img.TemplateID = templateID.String
	img.SuggestionID = suggestionID.String
	img.GenerationSource = source.String
	img.Favorite = favorite == 1
	img.CreatedAt = parseTime(createdAt)
	img.UpdatedAt = parseTime(updatedAt)
	return &img, nil
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	if n == 0 {
		return persist.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
