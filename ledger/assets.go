package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// ErrAssetNotFound is returned when no asset row exists for a key.
var ErrAssetNotFound = errors.New("memory asset not found")

// UpsertAsset creates or replaces the asset for (memory, asset type). The
// uniqueness law is enforced by the table constraint, not a read-then-write
// check, so concurrent regenerations cannot produce duplicates.
func (s *Store) UpsertAsset(ctx context.Context, asset *interfaces.MemoryAsset) error {
	if asset == nil {
		return fmt.Errorf("asset is required")
	}
	if !asset.Type.Valid() {
		return fmt.Errorf("invalid asset type %q", asset.Type)
	}
	if asset.Bytes <= 0 {
		return fmt.Errorf("asset bytes must be positive, got %d", asset.Bytes)
	}
	if (asset.Width == nil) != (asset.Height == nil) {
		return fmt.Errorf("width and height must both be set or both be nil")
	}

	now := time.Now().UTC()
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	if asset.ProcessingStatus == "" {
		asset.ProcessingStatus = interfaces.ProcessingPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertAsset(ctx, tx, asset, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit asset: %w", err)
	}
	return nil
}

func upsertAsset(ctx context.Context, tx *sql.Tx, asset *interfaces.MemoryAsset, now time.Time) error {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = now
	}
	if asset.ProcessingStatus == "" {
		asset.ProcessingStatus = interfaces.ProcessingPending
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_assets (
			id, memory_id, asset_type, backend, storage_key, url,
			bytes, width, height, mime_type, content_hash,
			processing_status, processing_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, asset_type) DO UPDATE SET
			backend = excluded.backend,
			storage_key = excluded.storage_key,
			url = excluded.url,
			bytes = excluded.bytes,
			width = excluded.width,
			height = excluded.height,
			mime_type = excluded.mime_type,
			content_hash = excluded.content_hash,
			processing_status = excluded.processing_status,
			processing_error = excluded.processing_error,
			updated_at = excluded.updated_at`,
		asset.ID,
		asset.MemoryID,
		string(asset.Type),
		string(asset.Backend),
		asset.StorageKey,
		asset.URL,
		asset.Bytes,
		nullableInt(asset.Width),
		nullableInt(asset.Height),
		asset.MimeType,
		nullableString(asset.ContentHash),
		string(asset.ProcessingStatus),
		asset.ProcessingError,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

// GetAsset loads the asset for (memory, asset type).
func (s *Store) GetAsset(ctx context.Context, memoryID string, assetType interfaces.AssetType) (*interfaces.MemoryAsset, error) {
	row := s.db.QueryRowContext(ctx, assetSelect+`
		WHERE memory_id = ? AND asset_type = ?`,
		memoryID, string(assetType))

	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssetNotFound
	}
	return asset, err
}

// AssetsForMemory returns every asset of a memory, originals first.
func (s *Store) AssetsForMemory(ctx context.Context, memoryID string) ([]*interfaces.MemoryAsset, error) {
	rows, err := s.db.QueryContext(ctx, assetSelect+`
		WHERE memory_id = ?
		ORDER BY CASE asset_type WHEN 'original' THEN 0 ELSE 1 END, asset_type`,
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var out []*interfaces.MemoryAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}

// SetAssetStatus moves an asset through the processing state machine:
// pending -> processing -> completed or failed. A failed asset keeps its row
// and records the processing error for audit and retry.
func (s *Store) SetAssetStatus(ctx context.Context, memoryID string, assetType interfaces.AssetType, status interfaces.ProcessingStatus, processingErr string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid processing status %q", status)
	}
	if status == interfaces.ProcessingFailed && processingErr == "" {
		return fmt.Errorf("failed status requires a processing error")
	}
	if status != interfaces.ProcessingFailed {
		processingErr = ""
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_assets
		SET processing_status = ?, processing_error = ?, updated_at = ?
		WHERE memory_id = ? AND asset_type = ?`,
		string(status), processingErr, time.Now().UTC(),
		memoryID, string(assetType))
	if err != nil {
		return fmt.Errorf("failed to update processing status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrAssetNotFound
	}
	return nil
}

const assetSelect = `
	SELECT id, memory_id, asset_type, backend, storage_key, url,
	       bytes, width, height, mime_type, content_hash,
	       processing_status, processing_error,
	       created_at, updated_at
	FROM memory_assets`

func scanAsset(row rowScanner) (*interfaces.MemoryAsset, error) {
	var (
		asset       interfaces.MemoryAsset
		assetType   string
		backend     string
		width       sql.NullInt64
		height      sql.NullInt64
		contentHash sql.NullString
		status      string
	)

	err := row.Scan(
		&asset.ID,
		&asset.MemoryID,
		&assetType,
		&backend,
		&asset.StorageKey,
		&asset.URL,
		&asset.Bytes,
		&width,
		&height,
		&asset.MimeType,
		&contentHash,
		&status,
		&asset.ProcessingError,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	asset.Type = interfaces.AssetType(assetType)
	asset.Backend = interfaces.BackendKind(backend)
	asset.ProcessingStatus = interfaces.ProcessingStatus(status)
	if width.Valid {
		w := int(width.Int64)
		asset.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		asset.Height = &h
	}
	if contentHash.Valid {
		asset.ContentHash = contentHash.String
	}
	return &asset, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
