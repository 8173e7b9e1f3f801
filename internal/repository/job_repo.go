package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helioform/polyscape/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles conversion job data operations. All state changes go
// through conditional updates so illegal transitions are rejected at write
// time regardless of what the caller read beforehand.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveByAsset retrieves the queued or processing job for an asset, if
// one exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - assetID: asset the job belongs to.
// Returns:
//   - *domain.Job: the non-terminal job, or nil if none exists.
//   - error: non-nil if the lookup fails.
func (r *JobRepository) GetActiveByAsset(ctx context.Context, assetID string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("asset_id = ? AND status IN ?", assetID, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusProcessing}).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateIfNoneActive inserts a job unless the asset already has a queued or
// processing one, in which case the existing job is returned instead. The
// partial unique index on jobs(asset_id) backstops the existence check, so
// two concurrent calls cannot both insert; the loser refetches the winner.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - *domain.Job: the inserted job or the already-active one.
//   - bool: true if a new row was inserted.
//   - error: non-nil if insert and refetch both fail.
func (r *JobRepository) CreateIfNoneActive(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	existing, err := r.GetActiveByAsset(ctx, job.AssetID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		// Insert lost a race against a concurrent creation; the unique
		// index rejected it. Surface the winner.
		existing, lookupErr := r.GetActiveByAsset(ctx, job.AssetID)
		if lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

// ClaimNext claims the oldest queued job, optionally restricted to a set of
// job types. The claim is a single conditional update guarded by the row
// still being queued at write time; exactly one of any number of concurrent
// callers wins a given row. When staleBefore is non-nil, processing jobs not
// touched since that cutoff are claimable again.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - workerID: identity recorded as the claimant.
//   - types: job types the worker can run; empty means all.
//   - staleBefore: reclaim cutoff for abandoned processing jobs; nil disables.
// Returns:
//   - *domain.Job: the claimed job, or nil if none is available.
//   - error: non-nil if a query fails.
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, types []domain.JobType, staleBefore *time.Time) (*domain.Job, error) {
	for {
		candidate, err := r.nextCandidate(ctx, types, staleBefore)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		now := time.Now().UTC()
		q := r.db.WithContext(ctx).Model(&domain.Job{})
		if candidate.Status == domain.JobStatusQueued {
			q = q.Where("id = ? AND status = ?", candidate.ID, domain.JobStatusQueued)
		} else {
			// Stale reclaim: the winner refreshes updated_at, which takes
			// the row back out of every other caller's predicate.
			q = q.Where("id = ? AND status = ? AND updated_at < ?", candidate.ID, domain.JobStatusProcessing, *staleBefore)
		}
		res := q.Updates(map[string]interface{}{
			"status":     domain.JobStatusProcessing,
			"worker_id":  workerID,
			"started_at": now,
			"updated_at": now,
		})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Status = domain.JobStatusProcessing
			candidate.WorkerID = &workerID
			candidate.StartedAt = &now
			candidate.UpdatedAt = now
			return candidate, nil
		}
		// Lost the race for this row; each retry sees a strictly smaller
		// candidate set.
	}
}

// nextCandidate returns the oldest claimable job without claiming it.
func (r *JobRepository) nextCandidate(ctx context.Context, types []domain.JobType, staleBefore *time.Time) (*domain.Job, error) {
	var job domain.Job
	q := r.db.WithContext(ctx)
	if staleBefore != nil {
		q = q.Where("status = ? OR (status = ? AND updated_at < ?)",
			domain.JobStatusQueued, domain.JobStatusProcessing, *staleBefore)
	} else {
		q = q.Where("status = ?", domain.JobStatusQueued)
	}
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	err := q.Order("created_at ASC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateProgress stores a progress value for a processing job. The write is
// guarded on the job still being processing and owned by workerID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to update.
//   - workerID: claimant identity presented by the caller.
//   - progress: progress percent, already clamped by the caller.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, domain.JobStatusProcessing).
		Update("progress", progress)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed transitions a processing job to failed with an error message.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to fail.
//   - workerID: claimant identity presented by the caller.
//   - message: worker-reported failure description.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID, workerID, message string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"error_message": message,
			"completed_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted transitions a processing job to completed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to complete.
//   - workerID: claimant identity presented by the caller.
// Returns:
//   - bool: true if the guarded update matched a row.
//   - error: non-nil if the query fails.
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID, workerID string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusCompleted,
			"progress":     100,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListByAsset retrieves all jobs for an asset, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - assetID: asset the jobs belong to.
// Returns:
//   - []domain.Job: matching job records.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListByAsset(ctx context.Context, assetID string) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountByStatus counts jobs by status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: job status to count.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *JobRepository) CountByStatus(ctx context.Context, status domain.JobStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
