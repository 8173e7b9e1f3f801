package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/storage"
)

const testWorkerSecret = "worker-test-secret"

type completeCall struct {
	JobID     string
	FinalKey  string
	FinalSize int64
}

// pipelineRecorder is an in-memory stand-in for the pipeline API.
type pipelineRecorder struct {
	mu           sync.Mutex
	queue        []*domain.Job
	progress     []int
	failures     []string
	completes    []completeCall
	updateStatus int // non-zero forces this status on update/complete
	lastAuth     string
}

func (p *pipelineRecorder) pop() *domain.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	return job
}

func newPipelineServer(t *testing.T, rec *pipelineRecorder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/jobs/poll", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.lastAuth = r.Header.Get("Authorization")
		rec.mu.Unlock()
		job := rec.pop()
		if job == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"job": job})
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/update", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.updateStatus != 0 {
			w.WriteHeader(rec.updateStatus)
			io.WriteString(w, `{"error":"job is claimed by another worker"}`)
			return
		}
		var body struct {
			Status       string `json:"status"`
			Progress     *int   `json:"progress"`
			ErrorMessage string `json:"error_message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Status == "failed" {
			rec.failures = append(rec.failures, body.ErrorMessage)
		} else if body.Progress != nil {
			rec.progress = append(rec.progress, *body.Progress)
		}
		io.WriteString(w, `{"job":{}}`)
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.updateStatus != 0 {
			w.WriteHeader(rec.updateStatus)
			io.WriteString(w, `{"error":"job is claimed by another worker"}`)
			return
		}
		var body struct {
			FinalKey  string `json:"final_key"`
			FinalSize int64  `json:"final_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.completes = append(rec.completes, completeCall{
			JobID:     r.PathValue("id"),
			FinalKey:  body.FinalKey,
			FinalSize: body.FinalSize,
		})
		io.WriteString(w, `{"job":{}}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeObjectStore implements only the storage methods the runner touches.
type fakeObjectStore struct {
	storage.ObjectStorage
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func newTestRunner(t *testing.T, rec *pipelineRecorder, store *fakeObjectStore, tools map[string]string) *Runner {
	t.Helper()
	srv := newPipelineServer(t, rec)
	client, err := NewClient(&ClientConfig{
		BaseURL:  srv.URL,
		WorkerID: "worker-test-1",
		Secret:   testWorkerSecret,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return NewRunner(client, store, logger.NewDefault(), &config.WorkerConfig{
		PollInterval: time.Second,
		Tools:        tools,
		WorkDir:      t.TempDir(),
	}, "worker-test-1")
}

func queuedJob(jobType domain.JobType, rawKey string) *domain.Job {
	return &domain.Job{
		ID:      "job-" + string(jobType),
		AssetID: "asset-1",
		Type:    jobType,
		Status:  domain.JobStatusQueued,
		RawKey:  rawKey,
	}
}

// TestClientMintsServiceTokens verifies self-minted tokens verify as service
// identities carrying the worker ID
func TestClientMintsServiceTokens(t *testing.T) {
	rec := &pipelineRecorder{}
	srv := newPipelineServer(t, rec)
	client, err := NewClient(&ClientConfig{
		BaseURL:  srv.URL,
		WorkerID: "worker-42",
		Secret:   testWorkerSecret,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	job, err := client.ClaimJob(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil on empty queue", job)
	}

	rec.mu.Lock()
	lastAuth := rec.lastAuth
	rec.mu.Unlock()
	raw := strings.TrimPrefix(lastAuth, "Bearer ")
	if raw == lastAuth {
		t.Fatalf("Authorization = %q, want a bearer token", lastAuth)
	}
	verifier := auth.NewVerifier(&config.AuthConfig{ServiceSecret: testWorkerSecret}, nil, logger.NewDefault())
	id, err := verifier.VerifyService(raw)
	if err != nil {
		t.Fatalf("VerifyService failed: %v", err)
	}
	if id.Subject != "worker-42" {
		t.Errorf("Subject = %q, want %q", id.Subject, "worker-42")
	}
	if !id.IsService() {
		t.Error("IsService() = false, want true")
	}
}

// TestClientMissingCredentials verifies the client refuses to start without
// a token or secret
func TestClientMissingCredentials(t *testing.T) {
	_, err := NewClient(&ClientConfig{BaseURL: "http://localhost"})
	if err == nil {
		t.Error("NewClient with no credentials should fail")
	}
}

// TestRunnerSingleFileConversion verifies a normalize job is downloaded,
// converted and uploaded as one glb under final/
func TestRunnerSingleFileConversion(t *testing.T) {
	rec := &pipelineRecorder{}
	store := newFakeObjectStore()
	rawKey := "projects/proj-1/assets/asset-1/raw/mesh.obj"
	store.objects[rawKey] = []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n")
	rec.queue = append(rec.queue, queuedJob(domain.JobTypeNormalize, rawKey))

	runner := newTestRunner(t, rec, store, map[string]string{
		"normalize": `cp "$INPUT_PATH" "$OUTPUT_PATH"; echo 50; echo 100`,
	})

	processed, err := runner.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !processed {
		t.Fatal("Poll processed nothing, want one job")
	}

	finalKey := "projects/proj-1/assets/asset-1/final/model.glb"
	data, ok := store.get(finalKey)
	if !ok {
		t.Fatalf("no object at %s", finalKey)
	}
	if !bytes.Equal(data, store.objects[rawKey]) {
		t.Error("converted output does not match input passed through cp")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completes) != 1 {
		t.Fatalf("completes = %d, want 1", len(rec.completes))
	}
	call := rec.completes[0]
	if call.FinalKey != finalKey {
		t.Errorf("FinalKey = %q, want %q", call.FinalKey, finalKey)
	}
	if call.FinalSize != int64(len(data)) {
		t.Errorf("FinalSize = %d, want %d", call.FinalSize, len(data))
	}

	if len(rec.progress) == 0 {
		t.Fatal("no progress reports recorded")
	}
	for _, p := range rec.progress {
		if p < 10 || p > 80 {
			t.Errorf("progress %d outside the 10..80 conversion band", p)
		}
	}
	if len(rec.failures) != 0 {
		t.Errorf("failures = %v, want none", rec.failures)
	}
}

// TestRunnerUploadsTilesetTree verifies a tileset job uploads the whole
// output directory and reports tileset.json as the final key
func TestRunnerUploadsTilesetTree(t *testing.T) {
	rec := &pipelineRecorder{}
	store := newFakeObjectStore()
	rawKey := "projects/proj-1/assets/asset-2/raw/survey.las"
	store.objects[rawKey] = []byte("LASF")
	rec.queue = append(rec.queue, queuedJob(domain.JobTypePointCloud, rawKey))

	runner := newTestRunner(t, rec, store, map[string]string{
		"pointcloud": `mkdir -p "$OUTPUT_PATH/tiles"; printf '{"asset":{}}' > "$OUTPUT_PATH/tileset.json"; printf 'pnts' > "$OUTPUT_PATH/tiles/0.pnts"`,
	})

	processed, err := runner.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !processed {
		t.Fatal("Poll processed nothing, want one job")
	}

	prefix := "projects/proj-1/assets/asset-2/final"
	root, ok := store.get(prefix + "/tileset.json")
	if !ok {
		t.Fatalf("no object at %s/tileset.json", prefix)
	}
	if _, ok := store.get(prefix + "/tiles/0.pnts"); !ok {
		t.Fatalf("no object at %s/tiles/0.pnts", prefix)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completes) != 1 {
		t.Fatalf("completes = %d, want 1", len(rec.completes))
	}
	call := rec.completes[0]
	if call.FinalKey != prefix+"/tileset.json" {
		t.Errorf("FinalKey = %q, want %q", call.FinalKey, prefix+"/tileset.json")
	}
	wantSize := int64(len(root) + len("pnts"))
	if call.FinalSize != wantSize {
		t.Errorf("FinalSize = %d, want %d", call.FinalSize, wantSize)
	}
}

// TestRunnerReportsConverterFailure verifies a failing converter marks the
// job failed with the stderr tail
func TestRunnerReportsConverterFailure(t *testing.T) {
	rec := &pipelineRecorder{}
	store := newFakeObjectStore()
	rawKey := "projects/proj-1/assets/asset-3/raw/mesh.obj"
	store.objects[rawKey] = []byte("v 0 0 0")
	rec.queue = append(rec.queue, queuedJob(domain.JobTypeNormalize, rawKey))

	runner := newTestRunner(t, rec, store, map[string]string{
		"normalize": `echo "unsupported vertex layout" >&2; exit 3`,
	})

	processed, err := runner.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !processed {
		t.Fatal("Poll processed nothing, want one job")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(rec.failures))
	}
	if !strings.Contains(rec.failures[0], "unsupported vertex layout") {
		t.Errorf("failure message %q does not carry converter stderr", rec.failures[0])
	}
	if len(rec.completes) != 0 {
		t.Errorf("completes = %v, want none", rec.completes)
	}
}

// TestRunnerFailsWithoutConfiguredTool verifies a job type with no converter
// command fails cleanly
func TestRunnerFailsWithoutConfiguredTool(t *testing.T) {
	rec := &pipelineRecorder{}
	store := newFakeObjectStore()
	rawKey := "projects/proj-1/assets/asset-4/raw/area.tif"
	store.objects[rawKey] = []byte("II*")
	rec.queue = append(rec.queue, queuedJob(domain.JobTypeTileset, rawKey))

	runner := newTestRunner(t, rec, store, map[string]string{})

	if _, err := runner.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(rec.failures))
	}
	if !strings.Contains(rec.failures[0], "no converter configured") {
		t.Errorf("failure message = %q, want a missing-converter message", rec.failures[0])
	}
}

// TestRunnerAbandonsLostLease verifies a 409 on progress stops the job
// without a failure report
func TestRunnerAbandonsLostLease(t *testing.T) {
	rec := &pipelineRecorder{updateStatus: http.StatusConflict}
	store := newFakeObjectStore()
	rawKey := "projects/proj-1/assets/asset-5/raw/mesh.obj"
	store.objects[rawKey] = []byte("v 0 0 0")
	rec.queue = append(rec.queue, queuedJob(domain.JobTypeNormalize, rawKey))

	runner := newTestRunner(t, rec, store, map[string]string{
		"normalize": `cp "$INPUT_PATH" "$OUTPUT_PATH"`,
	})

	processed, err := runner.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !processed {
		t.Fatal("Poll processed nothing, want one claimed job")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 0 {
		t.Errorf("failures = %v, want none after a lost lease", rec.failures)
	}
	if len(rec.completes) != 0 {
		t.Errorf("completes = %v, want none after a lost lease", rec.completes)
	}
}

// TestFinalPrefix verifies output prefixes derive from the raw key scheme
func TestFinalPrefix(t *testing.T) {
	testCases := []struct {
		rawKey string
		want   string
	}{
		{rawKey: "projects/p1/assets/a1/raw/mesh.obj", want: "projects/p1/assets/a1/final"},
		{rawKey: "projects/p1/assets/a1/raw/deep.las", want: "projects/p1/assets/a1/final"},
		{rawKey: "incoming/loose.glb", want: "incoming/final"},
	}

	for _, tc := range testCases {
		if got := finalPrefix(tc.rawKey); got != tc.want {
			t.Errorf("finalPrefix(%q) = %q, want %q", tc.rawKey, got, tc.want)
		}
	}
}
