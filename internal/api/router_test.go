package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/helioform/polyscape/internal/access"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/notify"
	"github.com/helioform/polyscape/internal/repository"
	"github.com/helioform/polyscape/internal/service"
	"github.com/helioform/polyscape/internal/storage"
)

const (
	apiTestIssuer   = "https://auth.example.com"
	apiTestAudience = "polyscape"
	apiTestSecret   = "api-test-secret"
)

// memStore is an in-memory ObjectStorage for router tests.
type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: "application/octet-stream"}, nil
}

func (m *memStore) GetURL(key string) string { return "http://mem/" + key }

func (m *memStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return "http://mem/put/" + key, nil
}

func (m *memStore) PresignGet(ctx context.Context, key, filename, disposition string, ttl time.Duration) (string, error) {
	return "http://mem/get/" + key + "?disposition=" + disposition, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	count := 0
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.objects, k)
			count++
		}
	}
	return count, nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) EnsureBucket(ctx context.Context) error { return nil }

type apiEnv struct {
	router   *gin.Engine
	store    *memStore
	projects *repository.ProjectRepository
	jobs     *repository.JobRepository
	assets   *repository.AssetRepository
	signKey  *rsa.PrivateKey
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	signKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	jwks := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"t1","alg":"RS256","n":%q,"e":%q}]}`,
		base64.RawURLEncoding.EncodeToString(signKey.PublicKey.N.Bytes()),
		base64.RawURLEncoding.EncodeToString(big.NewInt(int64(signKey.PublicKey.E)).Bytes()))
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, jwks)
	}))
	t.Cleanup(jwksSrv.Close)

	log := logger.NewDefault()
	authCfg := &config.AuthConfig{
		JWKSURL:       jwksSrv.URL,
		Issuer:        apiTestIssuer,
		Audience:      apiTestAudience,
		KeysetTTL:     time.Hour,
		ServiceSecret: apiTestSecret,
	}
	keyset := auth.NewKeysetCache(nil, authCfg.JWKSURL, authCfg.KeysetTTL)
	verifier := auth.NewVerifier(authCfg, keyset, log)

	store := newMemStore()
	assets := repository.NewAssetRepository(db)
	jobs := repository.NewJobRepository(db)
	projects := repository.NewProjectRepository(db)
	mediator := access.NewMediator(projects)
	dispatcher := notify.NewDispatcher(&config.DispatchConfig{}, log)
	uploadsCfg := &config.UploadsConfig{
		UploadURLTTL:   15 * time.Minute,
		DownloadURLTTL: time.Hour,
		MaxUploadSize:  1 << 30,
	}

	pipeline := service.NewPipelineService(jobs, assets, dispatcher, log, &config.JobsConfig{})
	uploads := service.NewUploadService(assets, projects, jobs, pipeline, mediator, store, log, uploadsCfg)
	assetsSvc := service.NewAssetService(assets, projects, jobs, mediator, store, log, uploadsCfg)

	router := SetupRouter(&Dependencies{
		Verifier: verifier,
		Pipeline: pipeline,
		Uploads:  uploads,
		Assets:   assetsSvc,
		DB:       db,
		Logger:   log,
	}, &config.ServerConfig{Mode: "test"})

	return &apiEnv{
		router:   router,
		store:    store,
		projects: projects,
		jobs:     jobs,
		assets:   assets,
		signKey:  signKey,
	}
}

func (e *apiEnv) userToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"iss": apiTestIssuer,
		"aud": apiTestAudience,
		"iat": time.Now().Add(-time.Minute).Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "t1"
	raw, err := token.SignedString(e.signKey)
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}
	return raw
}

func (e *apiEnv) serviceToken(t *testing.T, workerID string) string {
	t.Helper()
	raw, err := auth.NewServiceToken([]byte(apiTestSecret), workerID, time.Hour)
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	return raw
}

func (e *apiEnv) seedProject(t *testing.T, ownerID string) *domain.Project {
	t.Helper()
	project := &domain.Project{ID: "proj-" + ownerID, OwnerID: ownerID, Name: "survey"}
	if err := e.projects.Create(context.Background(), project); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return project
}

// do runs one request through the router.
func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// TestJobsRoutesRequireServiceToken verifies the worker routes reject missing
// and user credentials
func TestJobsRoutesRequireServiceToken(t *testing.T) {
	env := newAPIEnv(t)

	testCases := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "user token rejected on service route", token: env.userToken(t, "user-1")},
		{name: "garbage token", token: "junk"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/jobs/poll", tc.token, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}

	// A proper service token is accepted; the empty queue answers 204.
	w := env.do(t, http.MethodGet, "/api/v1/jobs/poll", env.serviceToken(t, "worker-1"), nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

// TestUserRoutesRequireUserToken verifies upload routes reject anonymous calls
func TestUserRoutesRequireUserToken(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/upload-url", "", map[string]any{
		"project_id": "p", "filename": "a.glb", "category": "single_model",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestPipelineLifecycleOverHTTP walks upload-url, upload-complete, poll,
// update and complete end to end
func TestPipelineLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	project := env.seedProject(t, "owner-1")
	user := env.userToken(t, "owner-1")
	worker := env.serviceToken(t, "worker-1")

	// Request a slot.
	w := env.do(t, http.MethodPost, "/api/v1/upload-url", user, map[string]any{
		"project_id": project.ID,
		"filename":   "survey.las",
		"category":   "large_area",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upload-url status = %d, body %s", w.Code, w.Body.String())
	}
	var slot struct {
		AssetID   string `json:"asset_id"`
		Key       string `json:"key"`
		UploadURL string `json:"upload_url"`
	}
	decodeBody(t, w, &slot)
	if slot.AssetID == "" || slot.Key == "" || slot.UploadURL == "" {
		t.Fatalf("incomplete slot: %+v", slot)
	}

	// The client PUTs bytes directly to storage.
	env.store.objects[slot.Key] = []byte("LASF-point-data")

	// Trigger the completion decision; LAS requires conversion.
	w = env.do(t, http.MethodPost, "/api/v1/upload-complete", user, map[string]any{"asset_id": slot.AssetID})
	if w.Code != http.StatusOK {
		t.Fatalf("upload-complete status = %d, body %s", w.Code, w.Body.String())
	}
	var completion struct {
		Asset *domain.Asset `json:"asset"`
		Job   *domain.Job   `json:"job"`
	}
	decodeBody(t, w, &completion)
	if completion.Job == nil || completion.Job.Type != domain.JobTypePointCloud {
		t.Fatalf("job = %+v, want a pointcloud job", completion.Job)
	}
	if completion.Asset.Status != domain.AssetStatusQueued {
		t.Errorf("asset status = %q, want %q", completion.Asset.Status, domain.AssetStatusQueued)
	}

	// Worker claims it.
	w = env.do(t, http.MethodGet, "/api/v1/jobs/poll?worker_type=pointcloud,tileset", worker, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body %s", w.Code, w.Body.String())
	}
	var claim struct {
		Job *domain.Job `json:"job"`
	}
	decodeBody(t, w, &claim)
	if claim.Job == nil || claim.Job.ID != completion.Job.ID {
		t.Fatalf("claimed job = %+v, want %q", claim.Job, completion.Job.ID)
	}

	// Progress report.
	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+claim.Job.ID+"/update", worker, map[string]any{"progress": 42})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	// Completion.
	finalKey := "projects/" + project.ID + "/assets/" + slot.AssetID + "/final/tileset.json"
	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+claim.Job.ID+"/complete", worker, map[string]any{
		"final_key":  finalKey,
		"final_size": 2048,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", w.Code, w.Body.String())
	}

	// The user sees a completed asset with the final key.
	w = env.do(t, http.MethodGet, "/api/v1/assets/"+slot.AssetID, user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get asset status = %d, body %s", w.Code, w.Body.String())
	}
	var detail struct {
		Asset *domain.Asset `json:"asset"`
		Job   *domain.Job   `json:"job"`
	}
	decodeBody(t, w, &detail)
	if detail.Asset.Status != domain.AssetStatusCompleted {
		t.Errorf("asset status = %q, want %q", detail.Asset.Status, domain.AssetStatusCompleted)
	}
	if detail.Asset.FinalKey == nil || *detail.Asset.FinalKey != finalKey {
		t.Errorf("FinalKey = %v, want %q", detail.Asset.FinalKey, finalKey)
	}
	if detail.Job == nil || detail.Job.Status != domain.JobStatusCompleted {
		t.Errorf("job = %+v, want completed", detail.Job)
	}
}

// TestWorkerMismatchConflict verifies update and complete answer 409 for the
// wrong worker
func TestWorkerMismatchConflict(t *testing.T) {
	env := newAPIEnv(t)
	project := env.seedProject(t, "owner-1")
	user := env.userToken(t, "owner-1")
	workerA := env.serviceToken(t, "worker-a")
	workerB := env.serviceToken(t, "worker-b")

	w := env.do(t, http.MethodPost, "/api/v1/upload-url", user, map[string]any{
		"project_id": project.ID,
		"filename":   "mesh.obj",
		"category":   "single_model",
	})
	var slot struct {
		AssetID string `json:"asset_id"`
		Key     string `json:"key"`
	}
	decodeBody(t, w, &slot)
	env.store.objects[slot.Key] = []byte("v 0 0 0")
	env.do(t, http.MethodPost, "/api/v1/upload-complete", user, map[string]any{"asset_id": slot.AssetID})

	w = env.do(t, http.MethodGet, "/api/v1/jobs/poll", workerA, nil)
	var claim struct {
		Job *domain.Job `json:"job"`
	}
	decodeBody(t, w, &claim)
	if claim.Job == nil {
		t.Fatal("worker-a claimed nothing")
	}

	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+claim.Job.ID+"/update", workerB, map[string]any{"progress": 10})
	if w.Code != http.StatusConflict {
		t.Errorf("update by wrong worker status = %d, want %d", w.Code, http.StatusConflict)
	}
	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+claim.Job.ID+"/complete", workerB, map[string]any{"final_key": "x"})
	if w.Code != http.StatusConflict {
		t.Errorf("complete by wrong worker status = %d, want %d", w.Code, http.StatusConflict)
	}

	// Progress survives untouched for the rightful worker.
	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+claim.Job.ID+"/update", workerA, map[string]any{"progress": 10})
	if w.Code != http.StatusOK {
		t.Errorf("update by owner status = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestProxySetsCORSHeaders verifies the proxy route streams bytes with
// permissive CORS and accepts the token via query
func TestProxySetsCORSHeaders(t *testing.T) {
	env := newAPIEnv(t)
	project := env.seedProject(t, "owner-1")
	user := env.userToken(t, "owner-1")

	w := env.do(t, http.MethodPost, "/api/v1/upload-url", user, map[string]any{
		"project_id": project.ID,
		"filename":   "model.glb",
		"category":   "single_model",
	})
	var slot struct {
		AssetID string `json:"asset_id"`
		Key     string `json:"key"`
	}
	decodeBody(t, w, &slot)
	env.store.objects[slot.Key] = []byte("glb-bytes")
	env.do(t, http.MethodPost, "/api/v1/upload-complete", user, map[string]any{"asset_id": slot.AssetID})

	// Token in the query string, no Authorization header.
	path := "/api/v1/proxy-asset?project_id=" + project.ID + "&asset_key=" + slot.Key + "&token=" + user
	w = env.do(t, http.MethodGet, path, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if w.Body.String() != "glb-bytes" {
		t.Errorf("body = %q, want %q", w.Body.String(), "glb-bytes")
	}

	// Without any token the proxy denies.
	w = env.do(t, http.MethodGet, "/api/v1/proxy-asset?project_id="+project.ID+"&asset_key="+slot.Key, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("proxy without token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestUploadValidationAndHiding verifies 400s for bad payloads and uniform
// 404 for inaccessible assets
func TestUploadValidationAndHiding(t *testing.T) {
	env := newAPIEnv(t)
	project := env.seedProject(t, "owner-1")
	owner := env.userToken(t, "owner-1")
	stranger := env.userToken(t, "stranger")

	w := env.do(t, http.MethodPost, "/api/v1/upload-url", owner, map[string]any{
		"project_id": project.ID,
		"filename":   "a.xyz",
		"category":   "medium_area",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad category status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = env.do(t, http.MethodPost, "/api/v1/upload-url", owner, map[string]any{"project_id": project.ID})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	slotW := env.do(t, http.MethodPost, "/api/v1/upload-url", owner, map[string]any{
		"project_id": project.ID,
		"filename":   "model.glb",
		"category":   "single_model",
	})
	var slot struct {
		AssetID string `json:"asset_id"`
	}
	decodeBody(t, slotW, &slot)

	w = env.do(t, http.MethodPost, "/api/v1/upload-complete", stranger, map[string]any{"asset_id": slot.AssetID})
	if w.Code != http.StatusNotFound {
		t.Errorf("stranger upload-complete status = %d, want %d", w.Code, http.StatusNotFound)
	}
	w = env.do(t, http.MethodGet, "/api/v1/assets/"+slot.AssetID, stranger, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("stranger get status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
