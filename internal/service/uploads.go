package service

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helioform/polyscape/internal/access"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/repository"
	"github.com/helioform/polyscape/internal/storage"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// UploadService owns the upload lifecycle: slot issuance, the
// completion decision (serve directly or enter the pipeline) and explicit
// deletion.
type UploadService struct {
	assets    *repository.AssetRepository
	projects  *repository.ProjectRepository
	jobs      *repository.JobRepository
	pipeline  *PipelineService
	mediator  *access.Mediator
	store     storage.ObjectStorage
	logger    *logger.Logger
	uploadTTL time.Duration
	maxSize   int64
}

// NewUploadService creates a new upload service.
// Parameters:
//   - assets: asset repository.
//   - projects: project repository.
//   - jobs: job repository for idempotency lookups.
//   - pipeline: pipeline service used to create conversion jobs.
//   - mediator: project access mediator.
//   - store: object storage backend.
//   - log: default logger.
//   - cfg: uploads configuration (slot TTL, max size).
// Returns:
//   - *UploadService: initialized service.
func NewUploadService(
	assets *repository.AssetRepository,
	projects *repository.ProjectRepository,
	jobs *repository.JobRepository,
	pipeline *PipelineService,
	mediator *access.Mediator,
	store storage.ObjectStorage,
	log *logger.Logger,
	cfg *config.UploadsConfig,
) *UploadService {
	return &UploadService{
		assets:    assets,
		projects:  projects,
		jobs:      jobs,
		pipeline:  pipeline,
		mediator:  mediator,
		store:     store,
		logger:    log,
		uploadTTL: cfg.UploadURLTTL,
		maxSize:   cfg.MaxUploadSize,
	}
}

func (s *UploadService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// UploadRequest describes a requested upload slot.
type UploadRequest struct {
	ProjectID     string               `json:"project_id"`
	Filename      string               `json:"filename"`
	ContentType   string               `json:"content_type"`
	Category      domain.AssetCategory `json:"category"`
	RetentionDays int                  `json:"retention_days"`
}

// UploadSlot is a signed write grant for one object.
type UploadSlot struct {
	AssetID   string    `json:"asset_id"`
	Key       string    `json:"key"`
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxSize   int64     `json:"max_size"`
}

// RequestUpload creates a pending asset and issues a signed PUT URL for its
// raw object. The client writes bytes directly to storage and then calls
// UploadComplete.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - req: upload request.
// Returns:
//   - *UploadSlot: asset ID, storage key and signed URL.
//   - error: ErrValidation on bad input, ErrNotFound for inaccessible
//     projects, ErrStorageUnavailable when presigning fails.
func (s *UploadService) RequestUpload(ctx context.Context, id *auth.Identity, req *UploadRequest) (*UploadSlot, error) {
	if req == nil {
		return nil, ErrValidation
	}
	filename := path.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == ".." || filename == "/" {
		return nil, fmt.Errorf("%w: filename required", ErrValidation)
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}
	if req.RetentionDays < 0 {
		return nil, fmt.Errorf("%w: retention_days must not be negative", ErrValidation)
	}

	if err := authorizeProjectID(ctx, s.projects, s.mediator, id, req.ProjectID); err != nil {
		return nil, err
	}

	assetID := uuid.NewString()
	rawKey := fmt.Sprintf("projects/%s/assets/%s/raw/%s", req.ProjectID, assetID, filename)

	asset := &domain.Asset{
		ID:            assetID,
		ProjectID:     req.ProjectID,
		Name:          filename,
		RawKey:        rawKey,
		SourceFormat:  domain.ParseSourceFormat(filename),
		Category:      req.Category,
		Status:        domain.AssetStatusPending,
		RetentionDays: req.RetentionDays,
	}
	if err := s.assets.Create(ctx, asset); err != nil {
		return nil, err
	}

	url, err := s.store.PresignPut(ctx, rawKey, req.ContentType, s.uploadTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldAssetID:   assetID,
		logger.FieldProjectID: req.ProjectID,
		"filename":            filename,
		"category":            req.Category,
	}).Info("Upload slot issued")

	return &UploadSlot{
		AssetID:   assetID,
		Key:       rawKey,
		UploadURL: url,
		ExpiresAt: time.Now().Add(s.uploadTTL),
		MaxSize:   s.maxSize,
	}, nil
}

// CompletionResult reports the upload-complete decision: a directly-served
// asset, or the job that will convert it.
type CompletionResult struct {
	Asset *domain.Asset `json:"asset"`
	Job   *domain.Job   `json:"job,omitempty"`
}

// UploadComplete decides what happens to an uploaded raw file: formats on
// the directly-viewable allowlist complete in place with final_key equal to
// raw_key and no job; everything else is classified and queued for
// conversion. Calling it twice in the same state creates nothing new.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - assetID: asset whose upload finished.
// Returns:
//   - *CompletionResult: final asset state and job, if one was created.
//   - error: ErrNotFound for missing or inaccessible assets.
func (s *UploadService) UploadComplete(ctx context.Context, id *auth.Identity, assetID string) (*CompletionResult, error) {
	asset, err := authorizeAsset(ctx, s.assets, s.projects, s.mediator, id, assetID)
	if err != nil {
		return nil, err
	}

	if asset.Status == domain.AssetStatusCompleted {
		return &CompletionResult{Asset: asset}, nil
	}
	if active, err := s.jobs.GetActiveByAsset(ctx, asset.ID); err != nil {
		return nil, err
	} else if active != nil {
		return &CompletionResult{Asset: asset, Job: active}, nil
	}

	if asset.SourceFormat.DirectlyViewable() {
		return s.completeDirect(ctx, asset)
	}

	jobType := domain.Classify(asset.Category, asset.SourceFormat)
	job, _, err := s.pipeline.CreateJob(ctx, asset.ID, jobType, asset.RawKey)
	if err != nil {
		return nil, err
	}

	refreshed, err := s.assets.GetByID(ctx, asset.ID)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{Asset: refreshed, Job: job}, nil
}

// completeDirect finalizes an asset whose raw format needs no conversion.
// Size and image dimensions are recorded best-effort before the final write.
func (s *UploadService) completeDirect(ctx context.Context, asset *domain.Asset) (*CompletionResult, error) {
	var rawSize int64
	if info, err := s.store.Stat(ctx, asset.RawKey); err == nil {
		rawSize = info.Size
	} else {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: asset.ID,
		}).WithError(err).Warn("Could not stat raw object")
	}

	width, height := 0, 0
	if asset.SourceFormat.IsImage() {
		width, height = s.sniffDimensions(ctx, asset.RawKey)
	}
	if err := s.assets.SetMediaInfo(ctx, asset.ID, rawSize, width, height); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: asset.ID,
		}).WithError(err).Warn("Could not record media info")
	}

	ok, err := s.assets.MarkCompleted(ctx, asset.ID, asset.RawKey, asset.SourceFormat.OutputType(), rawSize)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: asset.ID,
		}).Warn("Direct completion lost to a concurrent transition")
	}

	refreshed, err := s.assets.GetByID(ctx, asset.ID)
	if err != nil {
		return nil, err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldAssetID: asset.ID,
		logger.FieldSize:    rawSize,
		"asset_type":        asset.SourceFormat.OutputType(),
	}).Info("Asset served directly, no conversion needed")

	return &CompletionResult{Asset: refreshed}, nil
}

// sniffDimensions decodes just the image header for width and height.
// Failures are tolerated; dimensions are cosmetic metadata.
func (s *UploadService) sniffDimensions(ctx context.Context, key string) (int, int) {
	rc, err := s.store.Download(ctx, key)
	if err != nil {
		return 0, 0
	}
	defer rc.Close()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// Delete removes an asset and purges every storage object under its prefix,
// raw and processed alike. Individual storage delete failures are logged and
// do not stop the purge or the row deletion.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - assetID: asset to delete.
// Returns:
//   - error: ErrNotFound for missing or inaccessible assets, otherwise
//     repository errors from the row deletion.
func (s *UploadService) Delete(ctx context.Context, id *auth.Identity, assetID string) error {
	asset, err := authorizeAsset(ctx, s.assets, s.projects, s.mediator, id, assetID)
	if err != nil {
		return err
	}

	prefix := fmt.Sprintf("projects/%s/assets/%s/", asset.ProjectID, asset.ID)
	count, err := s.store.DeletePrefix(ctx, prefix)
	if err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldAssetID: asset.ID,
			logger.FieldCount:   count,
		}).WithError(err).Warn("Partial storage purge during asset deletion")
	}

	if err := s.assets.Delete(ctx, asset.ID); err != nil {
		return err
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldAssetID:   asset.ID,
		logger.FieldProjectID: asset.ProjectID,
		logger.FieldCount:     count,
	}).Info("Asset deleted")

	return nil
}
