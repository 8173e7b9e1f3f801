package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helioform/polyscape/internal/access"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/notify"
	"github.com/helioform/polyscape/internal/repository"
	"gorm.io/gorm"
)

// testEnv wires the service stack over a throwaway SQLite database and an
// in-memory object store.
type testEnv struct {
	db        *gorm.DB
	store     *fakeStore
	assets    *repository.AssetRepository
	jobs      *repository.JobRepository
	projects  *repository.ProjectRepository
	pipeline  *PipelineService
	uploads   *UploadService
	assetsSvc *AssetService
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithDispatch(t, &config.DispatchConfig{})
}

func newTestEnvWithDispatch(t *testing.T, dispatch *config.DispatchConfig) *testEnv {
	t.Helper()
	dbCfg := &config.DatabaseConfig{
		Driver:          "sqlite",
		Path:            filepath.Join(t.TempDir(), "polyscape_test.db"),
		MaxIdleConns:    1,
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
		AutoMigrate:     true,
	}
	db, err := repository.InitDB(dbCfg)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}

	log := logger.NewDefault()
	store := newFakeStore()
	assets := repository.NewAssetRepository(db)
	jobs := repository.NewJobRepository(db)
	projects := repository.NewProjectRepository(db)
	mediator := access.NewMediator(projects)
	dispatcher := notify.NewDispatcher(dispatch, log)
	uploadsCfg := &config.UploadsConfig{
		UploadURLTTL:   15 * time.Minute,
		DownloadURLTTL: time.Hour,
		MaxUploadSize:  1 << 30,
	}

	pipeline := NewPipelineService(jobs, assets, dispatcher, log, &config.JobsConfig{})
	uploads := NewUploadService(assets, projects, jobs, pipeline, mediator, store, log, uploadsCfg)
	assetsSvc := NewAssetService(assets, projects, jobs, mediator, store, log, uploadsCfg)

	return &testEnv{
		db:        db,
		store:     store,
		assets:    assets,
		jobs:      jobs,
		projects:  projects,
		pipeline:  pipeline,
		uploads:   uploads,
		assetsSvc: assetsSvc,
	}
}

func seedProject(t *testing.T, env *testEnv, ownerID string) *domain.Project {
	t.Helper()
	project := &domain.Project{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    "test project",
	}
	if err := env.projects.Create(context.Background(), project); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return project
}

func ownerIdentity(ownerID string) *auth.Identity {
	return &auth.Identity{
		Subject:   ownerID,
		Method:    auth.MethodSignature,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// uploadAsset walks the full slot-then-bytes flow: request a slot and place
// the object in the fake store as the client's direct PUT would.
func uploadAsset(t *testing.T, env *testEnv, id *auth.Identity, projectID, filename string, category domain.AssetCategory, data []byte) *UploadSlot {
	t.Helper()
	slot, err := env.uploads.RequestUpload(context.Background(), id, &UploadRequest{
		ProjectID:   projectID,
		Filename:    filename,
		ContentType: "application/octet-stream",
		Category:    category,
	})
	if err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}
	env.store.put(slot.Key, data, "application/octet-stream")
	return slot
}
