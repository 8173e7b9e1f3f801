package domain

import "time"

// JobStatus represents the lifecycle status of a conversion job.
// Values include JobStatusQueued, JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// jobTransitions defines the legal forward transitions of the job state
// machine. No transition skips a state; no transition reverses.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal job
// transition.
// Parameters:
//   - next: the proposed next status.
// Returns:
//   - bool: true if the transition is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobType identifies the conversion a worker must run.
// Values include JobTypeNormalize, JobTypeTileset, and JobTypePointCloud.
type JobType string

const (
	JobTypeNormalize  JobType = "normalize"
	JobTypeTileset    JobType = "tileset"
	JobTypePointCloud JobType = "pointcloud"
)

// Valid reports whether t is a declared job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeNormalize, JobTypeTileset, JobTypePointCloud:
		return true
	}
	return false
}

// OutputType returns the asset type a job of this type produces. Tileset and
// point cloud conversions both emit 3D Tiles trees.
func (t JobType) OutputType() AssetType {
	switch t {
	case JobTypeNormalize:
		return AssetTypeGLB
	case JobTypeTileset, JobTypePointCloud:
		return AssetTypeTileset
	}
	return AssetTypeOther
}

// Job represents one unit of asynchronous conversion work tied to exactly
// one asset. RawKey is a denormalized copy of the asset's raw storage key so
// workers do not need asset-table access. WorkerID is set once at claim time
// and is immutable afterwards.
type Job struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	AssetID      string     `gorm:"type:text;not null;index:idx_jobs_asset" json:"asset_id"`
	Type         JobType    `gorm:"type:text;not null" json:"type"`
	Status       JobStatus  `gorm:"type:text;index:idx_jobs_status;default:queued" json:"status"`
	WorkerID     *string    `gorm:"type:text" json:"worker_id,omitempty"`
	RawKey       string     `gorm:"type:text;not null" json:"raw_key"`
	Progress     int        `gorm:"default:0" json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "jobs"
}
