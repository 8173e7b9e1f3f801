package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/notify"
	"github.com/helioform/polyscape/internal/repository"
	"gorm.io/gorm"
)

// PipelineService owns the conversion job lifecycle: creation, worker claims
// and worker reports. Asset rows are kept in step as bookkeeping; the job row
// is the source of truth for who is doing what.
type PipelineService struct {
	jobs            *repository.JobRepository
	assets          *repository.AssetRepository
	dispatcher      *notify.Dispatcher
	logger          *logger.Logger
	staleClaimAfter time.Duration
}

// NewPipelineService creates a new pipeline service.
// Parameters:
//   - jobs: job repository.
//   - assets: asset repository for status bookkeeping.
//   - dispatcher: queued-job notifier; may be a disabled no-op.
//   - log: default logger.
//   - cfg: jobs configuration (stale-claim window).
// Returns:
//   - *PipelineService: initialized service.
func NewPipelineService(
	jobs *repository.JobRepository,
	assets *repository.AssetRepository,
	dispatcher *notify.Dispatcher,
	log *logger.Logger,
	cfg *config.JobsConfig,
) *PipelineService {
	return &PipelineService{
		jobs:            jobs,
		assets:          assets,
		dispatcher:      dispatcher,
		logger:          log,
		staleClaimAfter: cfg.StaleClaimAfter,
	}
}

// log returns a logger from context if available, otherwise the default logger
func (s *PipelineService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// CreateJob creates a conversion job for an asset, or returns the asset's
// existing queued or processing job. At most one non-terminal job exists per
// asset; a concurrent duplicate loses at the database and receives the
// winner. On a fresh creation the asset is marked queued and the dispatch
// notifier is pinged.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - assetID: asset the job converts.
//   - jobType: conversion to run.
//   - rawKey: storage key of the raw input, denormalized onto the job.
// Returns:
//   - *domain.Job: the created or already-active job.
//   - bool: true if a new job row was created.
//   - error: ErrValidation on bad input, otherwise repository errors.
func (s *PipelineService) CreateJob(ctx context.Context, assetID string, jobType domain.JobType, rawKey string) (*domain.Job, bool, error) {
	if strings.TrimSpace(assetID) == "" || strings.TrimSpace(rawKey) == "" {
		return nil, false, ErrValidation
	}
	if !jobType.Valid() {
		return nil, false, ErrValidation
	}

	job := &domain.Job{
		ID:      uuid.NewString(),
		AssetID: assetID,
		Type:    jobType,
		Status:  domain.JobStatusQueued,
		RawKey:  rawKey,
	}

	job, created, err := s.jobs.CreateIfNoneActive(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	// Bookkeeping: link the asset to its job. The guard makes this a no-op
	// when the asset has already moved on.
	if _, err := s.assets.MarkQueued(ctx, assetID, job.ID); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: assetID,
			logger.FieldJobID:   job.ID,
		}).WithError(err).Warn("Failed to mark asset queued after job creation")
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldAssetID: assetID,
		"job_type":          job.Type,
	}).Info("Job queued")

	s.dispatcher.JobQueued(ctx, job)

	return job, true, nil
}

// ClaimNext claims the oldest queued job for a worker, FIFO by creation
// time. The claim itself is a single conditional write; of any number of
// concurrent claimers exactly one wins a given job. The linked asset is
// flipped to processing afterwards as best-effort bookkeeping.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - workerID: identity recorded on the claimed job.
//   - types: job types the worker accepts; empty means any.
// Returns:
//   - *domain.Job: the claimed job, or nil when the queue is empty.
//   - error: ErrValidation on missing workerID, otherwise repository errors.
func (s *PipelineService) ClaimNext(ctx context.Context, workerID string, types []domain.JobType) (*domain.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrValidation
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, ErrValidation
		}
	}

	var staleBefore *time.Time
	if s.staleClaimAfter > 0 {
		cutoff := time.Now().UTC().Add(-s.staleClaimAfter)
		staleBefore = &cutoff
	}

	job, err := s.jobs.ClaimNext(ctx, workerID, types, staleBefore)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	if _, err := s.assets.MarkProcessing(ctx, job.AssetID); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: job.AssetID,
			logger.FieldJobID:   job.ID,
		}).WithError(err).Warn("Failed to mark asset processing after claim")
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldWorkerID: workerID,
		"job_type":           job.Type,
	}).Info("Job claimed")

	return job, nil
}

// ReportProgress stores a worker's progress report. Values are clamped to
// [0,100]; the job status does not change.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job being reported on.
//   - workerID: reporting worker; must match the claimant.
//   - progress: completion percent, clamped.
// Returns:
//   - *domain.Job: the job after the update.
//   - error: ErrNotFound if the job does not exist, ErrWorkerMismatch if the
//     job is not processing under this worker.
func (s *PipelineService) ReportProgress(ctx context.Context, jobID, workerID string, progress int) (*domain.Job, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ok, err := s.jobs.UpdateProgress(ctx, jobID, workerID, progress)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWorkerMismatch
	}

	// Workers report every few percent; keep this below Info.
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:    jobID,
		logger.FieldProgress: progress,
	}).Debug("Progress recorded")

	job.Progress = progress
	return job, nil
}

// ReportFailure terminates a job as failed with the worker's message and
// marks the linked asset failed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job being failed.
//   - workerID: reporting worker; must match the claimant.
//   - message: failure description stored on the job.
// Returns:
//   - *domain.Job: the job after the update.
//   - error: ErrNotFound if the job does not exist, ErrWorkerMismatch if the
//     job is not processing under this worker.
func (s *PipelineService) ReportFailure(ctx context.Context, jobID, workerID, message string) (*domain.Job, error) {
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}

	ok, err := s.jobs.MarkFailed(ctx, jobID, workerID, message)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWorkerMismatch
	}

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if _, err := s.assets.MarkFailed(ctx, job.AssetID); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: job.AssetID,
			logger.FieldJobID:   job.ID,
		}).WithError(err).Warn("Failed to mark asset failed after job failure")
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldWorkerID: workerID,
		"error_message":      message,
	}).Info("Job failed")

	return job, nil
}

// Complete finalizes a job and its asset in one logical operation: the job
// becomes completed, then the asset receives its final key, output type and
// processed time. If the asset write fails after the job write succeeded the
// mismatch is logged and the call still succeeds; the job row is the record
// of what happened.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job being completed.
//   - workerID: reporting worker; must match the claimant.
//   - finalKey: storage key of the processed output.
//   - assetType: output type; empty derives from the job type.
//   - finalSize: output size in bytes; 0 leaves it unset.
// Returns:
//   - *domain.Job: the job after the update.
//   - error: ErrValidation on missing finalKey, ErrNotFound if the job does
//     not exist, ErrWorkerMismatch if the job is not processing under this
//     worker.
func (s *PipelineService) Complete(ctx context.Context, jobID, workerID, finalKey string, assetType domain.AssetType, finalSize int64) (*domain.Job, error) {
	if strings.TrimSpace(finalKey) == "" {
		return nil, ErrValidation
	}

	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}

	ok, err := s.jobs.MarkCompleted(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWorkerMismatch
	}

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if assetType == "" {
		assetType = job.Type.OutputType()
	}

	ok, err = s.assets.MarkCompleted(ctx, job.AssetID, finalKey, assetType, finalSize)
	if err != nil || !ok {
		// The job is completed but the asset row was not finalized. Reported
		// and left for reconciliation; no rollback.
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: job.AssetID,
			logger.FieldJobID:   job.ID,
		}).WithError(err).Error("Asset not finalized after job completion")
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldAssetID:  job.AssetID,
		logger.FieldWorkerID: workerID,
	}).Info("Job completed")

	return job, nil
}

// getJob fetches a job, translating a missing row into ErrNotFound.
func (s *PipelineService) getJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}
