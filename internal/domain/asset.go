package domain

import "time"

// AssetStatus represents the processing status of an asset.
// Values include AssetStatusPending, AssetStatusQueued, AssetStatusProcessing,
// AssetStatusCompleted, and AssetStatusFailed.
type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusQueued     AssetStatus = "queued"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// assetTransitions defines the legal transitions of the asset state machine.
// Completed is terminal. Failed allows re-queueing so an operator can retry a
// conversion by creating a fresh job.
var assetTransitions = map[AssetStatus][]AssetStatus{
	AssetStatusPending:    {AssetStatusQueued, AssetStatusProcessing, AssetStatusCompleted},
	AssetStatusQueued:     {AssetStatusProcessing, AssetStatusCompleted, AssetStatusFailed},
	AssetStatusProcessing: {AssetStatusCompleted, AssetStatusFailed},
	AssetStatusFailed:     {AssetStatusQueued},
}

// CanTransitionTo reports whether moving from s to next is a legal asset
// transition.
// Parameters:
//   - next: the proposed next status.
// Returns:
//   - bool: true if the transition is allowed.
func (s AssetStatus) CanTransitionTo(next AssetStatus) bool {
	for _, allowed := range assetTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AssetCategory describes the kind of capture an upload represents.
// Values include CategorySingleModel and CategoryLargeArea.
type AssetCategory string

const (
	CategorySingleModel AssetCategory = "single_model"
	CategoryLargeArea   AssetCategory = "large_area"
)

// Valid reports whether c is a declared asset category.
func (c AssetCategory) Valid() bool {
	return c == CategorySingleModel || c == CategoryLargeArea
}

// AssetType identifies the format of the processed output. It is set only on
// completion.
// Values include AssetTypeGLB, AssetTypeGeoJSON, AssetTypeKML,
// AssetTypeImagery, AssetTypeTileset, and AssetTypeOther.
type AssetType string

const (
	AssetTypeGLB     AssetType = "glb"
	AssetTypeGeoJSON AssetType = "geojson"
	AssetTypeKML     AssetType = "kml"
	AssetTypeImagery AssetType = "imagery"
	AssetTypeTileset AssetType = "tileset"
	AssetTypeOther   AssetType = "other"
)

// Asset represents one user-uploaded raw file and its derived output.
// FinalKey is non-nil iff Status is AssetStatusCompleted. RetentionDays of 0
// means keep forever.
type Asset struct {
	ID            string        `gorm:"type:text;primaryKey" json:"id"`
	ProjectID     string        `gorm:"type:text;not null;index:idx_assets_project" json:"project_id"`
	Name          string        `gorm:"type:text;not null" json:"name"`
	RawKey        string        `gorm:"type:text;not null" json:"raw_key"`
	FinalKey      *string       `gorm:"type:text" json:"final_key,omitempty"`
	SourceFormat  SourceFormat  `gorm:"type:text" json:"source_format"`
	Category      AssetCategory `gorm:"type:text;not null" json:"category"`
	AssetType     *AssetType    `gorm:"type:text" json:"asset_type,omitempty"`
	Status        AssetStatus   `gorm:"type:text;index:idx_assets_status;default:pending" json:"status"`
	RawSize       int64         `gorm:"default:0" json:"raw_size"`
	FinalSize     int64         `gorm:"default:0" json:"final_size"`
	Width         int           `gorm:"default:0" json:"width,omitempty"`
	Height        int           `gorm:"default:0" json:"height,omitempty"`
	RetentionDays int           `gorm:"default:0" json:"retention_days"`
	JobID         *string       `gorm:"type:text" json:"job_id,omitempty"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Asset.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Asset) TableName() string {
	return "assets"
}
