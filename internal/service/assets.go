package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/helioform/polyscape/internal/access"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/repository"
	"github.com/helioform/polyscape/internal/storage"
	"gorm.io/gorm"
)

// AssetService serves asset reads: status polling, signed download URLs and
// the byte-stream proxy. Every operation authorizes against the asset's
// project before touching storage.
type AssetService struct {
	assets      *repository.AssetRepository
	projects    *repository.ProjectRepository
	jobs        *repository.JobRepository
	mediator    *access.Mediator
	store       storage.ObjectStorage
	logger      *logger.Logger
	downloadTTL time.Duration
}

// NewAssetService creates a new asset read service.
// Parameters:
//   - assets: asset repository.
//   - projects: project repository.
//   - jobs: job repository for linked-job detail.
//   - mediator: project access mediator.
//   - store: object storage backend.
//   - log: default logger.
//   - cfg: uploads configuration (download URL TTL).
// Returns:
//   - *AssetService: initialized service.
func NewAssetService(
	assets *repository.AssetRepository,
	projects *repository.ProjectRepository,
	jobs *repository.JobRepository,
	mediator *access.Mediator,
	store storage.ObjectStorage,
	log *logger.Logger,
	cfg *config.UploadsConfig,
) *AssetService {
	return &AssetService{
		assets:      assets,
		projects:    projects,
		jobs:        jobs,
		mediator:    mediator,
		store:       store,
		logger:      log,
		downloadTTL: cfg.DownloadURLTTL,
	}
}

func (s *AssetService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// authorizeAsset resolves an asset and checks the identity's access to its
// project. A missing asset, a missing project and an access denial all come
// back as ErrNotFound so callers cannot probe for IDs they are not allowed
// to see.
func authorizeAsset(
	ctx context.Context,
	assets *repository.AssetRepository,
	projects *repository.ProjectRepository,
	mediator *access.Mediator,
	id *auth.Identity,
	assetID string,
) (*domain.Asset, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, ErrValidation
	}

	asset, err := assets.GetByID(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := authorizeProjectID(ctx, projects, mediator, id, asset.ProjectID); err != nil {
		return nil, err
	}
	return asset, nil
}

// authorizeProjectID checks access to a project by ID under the same
// uniform not-found policy.
func authorizeProjectID(
	ctx context.Context,
	projects *repository.ProjectRepository,
	mediator *access.Mediator,
	id *auth.Identity,
	projectID string,
) error {
	project, err := projects.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	allowed, err := mediator.CanAccessProject(ctx, id, project)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotFound
	}
	return nil
}

// AssetDetail is an asset plus its linked job, when one exists.
type AssetDetail struct {
	Asset *domain.Asset `json:"asset"`
	Job   *domain.Job   `json:"job,omitempty"`
}

// Get returns one asset with its linked job for status polling.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - assetID: asset to fetch.
// Returns:
//   - *AssetDetail: asset and linked job.
//   - error: ErrNotFound for missing or inaccessible assets.
func (s *AssetService) Get(ctx context.Context, id *auth.Identity, assetID string) (*AssetDetail, error) {
	asset, err := authorizeAsset(ctx, s.assets, s.projects, s.mediator, id, assetID)
	if err != nil {
		return nil, err
	}

	detail := &AssetDetail{Asset: asset}
	if asset.JobID != nil {
		job, err := s.jobs.GetByID(ctx, *asset.JobID)
		if err == nil {
			detail.Job = job
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return detail, nil
}

// List returns a page of a project's assets, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - projectID: project to list.
//   - limit: page size; the handler supplies defaults.
//   - offset: records to skip.
// Returns:
//   - []domain.Asset: asset page.
//   - error: ErrNotFound for missing or inaccessible projects.
func (s *AssetService) List(ctx context.Context, id *auth.Identity, projectID string, limit, offset int) ([]domain.Asset, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrValidation
	}
	if err := authorizeProjectID(ctx, s.projects, s.mediator, id, projectID); err != nil {
		return nil, err
	}
	return s.assets.ListByProject(ctx, projectID, limit, offset)
}

// SignedDownload issues a short-lived signed read URL for a completed
// asset's processed output.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - assetID: asset to download.
//   - disposition: "attachment" or "inline"; empty means attachment.
// Returns:
//   - string: presigned GET URL.
//   - error: ErrNotFound for missing/inaccessible assets, ErrConflict when
//     the asset is not completed yet.
func (s *AssetService) SignedDownload(ctx context.Context, id *auth.Identity, assetID, disposition string) (string, error) {
	asset, err := authorizeAsset(ctx, s.assets, s.projects, s.mediator, id, assetID)
	if err != nil {
		return "", err
	}

	if asset.Status != domain.AssetStatusCompleted || asset.FinalKey == nil {
		return "", fmt.Errorf("%w: asset is not ready for download", ErrConflict)
	}

	switch disposition {
	case "", "attachment":
		disposition = "attachment"
	case "inline":
	default:
		return "", fmt.Errorf("%w: unknown disposition %q", ErrValidation, disposition)
	}

	url, err := s.store.PresignGet(ctx, *asset.FinalKey, asset.Name, disposition, s.downloadTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return url, nil
}

// Proxy streams an object's bytes for callers that cannot attach an
// authorization header. The key must live under the requested project's
// storage prefix; the identity must have project access.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: requesting identity.
//   - projectID: project claimed by the caller.
//   - assetKey: full storage key to stream.
// Returns:
//   - io.ReadCloser: object byte stream; caller closes.
//   - *storage.ObjectInfo: size and content type for response headers.
//   - error: ErrNotFound for denied or missing objects.
func (s *AssetService) Proxy(ctx context.Context, id *auth.Identity, projectID, assetKey string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(assetKey) == "" {
		return nil, nil, ErrValidation
	}
	// The key scheme pins every object to its project; a key outside the
	// caller's project prefix is denied before any storage call.
	if !strings.HasPrefix(assetKey, "projects/"+projectID+"/") {
		return nil, nil, ErrNotFound
	}
	if err := authorizeProjectID(ctx, s.projects, s.mediator, id, projectID); err != nil {
		return nil, nil, err
	}

	info, err := s.store.Stat(ctx, assetKey)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	rc, err := s.store.Download(ctx, assetKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldProjectID: projectID,
		logger.FieldSize:      info.Size,
	}).Debug("Proxying asset bytes")

	return rc, info, nil
}
