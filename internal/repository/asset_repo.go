package repository

import (
	"context"
	"time"

	"github.com/helioform/polyscape/internal/domain"
	"gorm.io/gorm"
)

// AssetRepository handles asset data operations. Status changes are expressed
// as guarded updates whose WHERE clause encodes the legal prior states, so an
// illegal transition never matches a row.
type AssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository creates a new AssetRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *AssetRepository: repository instance bound to db.
func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create inserts a new asset record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - asset: asset record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *AssetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	return r.db.WithContext(ctx).Create(asset).Error
}

// GetByID retrieves an asset by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset ID.
// Returns:
//   - *domain.Asset: asset record if found.
//   - error: non-nil if lookup fails.
func (r *AssetRepository) GetByID(ctx context.Context, id string) (*domain.Asset, error) {
	var asset domain.Asset
	if err := r.db.WithContext(ctx).First(&asset, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

// ListByProject retrieves assets in a project with pagination, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - projectID: project to list.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Asset: matching asset records.
//   - error: non-nil if the query fails.
func (r *AssetRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.Asset, error) {
	var assets []domain.Asset
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Limit(limit).
		Offset(offset).
		Order("created_at DESC").
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

// MarkQueued transitions an asset to queued and links the job that will
// process it. Legal from pending and from failed (operator retry).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset to update.
//   - jobID: job created for the asset.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *AssetRepository) MarkQueued(ctx context.Context, id, jobID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ? AND status IN ?", id, []domain.AssetStatus{domain.AssetStatusPending, domain.AssetStatusFailed}).
		Updates(map[string]interface{}{
			"status": domain.AssetStatusQueued,
			"job_id": jobID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessing transitions an asset to processing once its job is claimed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset to update.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *AssetRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ? AND status IN ?", id, []domain.AssetStatus{domain.AssetStatusPending, domain.AssetStatusQueued}).
		Update("status", domain.AssetStatusProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted finalizes an asset: status, final storage key, output type,
// final size and processed time are set in one write. A completed asset never
// matches the guard again, so re-completion is a no-op.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset to finalize.
//   - finalKey: storage key of the processed output.
//   - assetType: output asset type.
//   - finalSize: processed output size in bytes; 0 leaves it unset.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *AssetRepository) MarkCompleted(ctx context.Context, id, finalKey string, assetType domain.AssetType, finalSize int64) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       domain.AssetStatusCompleted,
		"final_key":    finalKey,
		"asset_type":   assetType,
		"processed_at": now,
	}
	if finalSize > 0 {
		updates["final_size"] = finalSize
	}
	res := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ? AND status IN ?", id, []domain.AssetStatus{
			domain.AssetStatusPending, domain.AssetStatusQueued, domain.AssetStatusProcessing,
		}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed transitions an asset to failed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset to update.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *AssetRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ? AND status IN ?", id, []domain.AssetStatus{domain.AssetStatusQueued, domain.AssetStatusProcessing}).
		Update("status", domain.AssetStatusFailed)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetMediaInfo records sizes and, for imagery, pixel dimensions discovered
// after the raw bytes landed in storage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset to update.
//   - rawSize: raw object size in bytes; 0 leaves it unset.
//   - width: image width in pixels; 0 leaves it unset.
//   - height: image height in pixels; 0 leaves it unset.
// Returns:
//   - error: non-nil if the query fails.
func (r *AssetRepository) SetMediaInfo(ctx context.Context, id string, rawSize int64, width, height int) error {
	updates := map[string]interface{}{}
	if rawSize > 0 {
		updates["raw_size"] = rawSize
	}
	if width > 0 {
		updates["width"] = width
	}
	if height > 0 {
		updates["height"] = height
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Delete removes an asset by ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: asset ID to delete.
// Returns:
//   - error: non-nil if the delete fails.
func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Asset{}, "id = ?", id).Error
}
