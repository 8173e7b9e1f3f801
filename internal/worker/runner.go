package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/storage"
)

// stderrTailLimit bounds how much converter stderr ends up in the job's
// error message.
const stderrTailLimit = 512

// Runner claims conversion jobs from the pipeline and executes the
// configured converter command for each job type. Converters are external
// binaries invoked through the shell with INPUT_PATH and OUTPUT_PATH in the
// environment; integer lines on stdout are forwarded as progress.
type Runner struct {
	client *Client
	store  storage.ObjectStorage
	logger *logger.Logger

	workerID string
	types    []string
	interval time.Duration
	tools    map[string]string
	workDir  string
}

// NewRunner creates a worker runner.
// Parameters:
//   - client: pipeline API client used to claim and report jobs.
//   - store: object storage for raw downloads and output uploads.
//   - log: logger instance.
//   - cfg: worker configuration (types, poll interval, tool commands, workdir).
//   - workerID: stable identity of this worker instance.
// Returns:
//   - *Runner: initialized runner.
func NewRunner(client *Client, store storage.ObjectStorage, log *logger.Logger, cfg *config.WorkerConfig, workerID string) *Runner {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		client:   client,
		store:    store,
		logger:   log.WithField(logger.FieldWorkerID, workerID),
		workerID: workerID,
		types:    cfg.Types,
		interval: interval,
		tools:    cfg.Tools,
		workDir:  cfg.WorkDir,
	}
}

// Run polls until ctx is canceled. An in-flight job is finished before
// returning; only the waiting between claims is interruptible.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.WithFields(logger.Fields{
		"types":         strings.Join(r.types, ","),
		"poll_interval": r.interval.String(),
	}).Info("Worker started")

	for {
		processed, err := r.Poll(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Worker stopped")
			return nil
		}
		if err != nil {
			r.logger.WithError(err).Warn("Poll failed")
		}
		if processed {
			// Drain the queue before sleeping again.
			continue
		}
		if !r.wait(ctx) {
			r.logger.Info("Worker stopped")
			return nil
		}
	}
}

// Poll claims and processes at most one job. It reports whether a job was
// processed so callers can drain the queue without waiting.
func (r *Runner) Poll(ctx context.Context) (bool, error) {
	job, err := r.client.ClaimJob(ctx, r.types)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	// Shutdown must not abort a claimed job halfway through.
	r.process(context.WithoutCancel(ctx), job)
	return true, nil
}

// wait sleeps one jittered poll interval. Returns false when ctx was
// canceled during the wait.
func (r *Runner) wait(ctx context.Context) bool {
	delay := r.interval + rand.N(r.interval/2+1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) process(ctx context.Context, job *domain.Job) {
	start := time.Now()
	log := r.logger.WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldAssetID: job.AssetID,
		"job_type":          job.Type,
	})
	log.Info("Processing job")

	finalKey, finalSize, err := r.convert(ctx, job)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			log.WithError(err).Warn("Job lease lost, abandoning")
			return
		}
		log.WithError(err).Warn("Job failed")
		if ferr := r.client.ReportFailure(ctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, ErrConflict) {
			log.WithError(ferr).Error("Failed to report job failure")
		}
		return
	}

	if err := r.client.CompleteJob(ctx, job.ID, finalKey, finalSize); err != nil {
		log.WithError(err).Error("Failed to report job completion")
		return
	}
	log.WithFields(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldSize:       finalSize,
		"final_key":            finalKey,
	}).Info("Job completed")
}

// convert downloads the raw object, runs the configured converter and
// uploads the outputs. It returns the final storage key and the total
// uploaded size.
func (r *Runner) convert(ctx context.Context, job *domain.Job) (string, int64, error) {
	tool, ok := r.tools[string(job.Type)]
	if !ok || strings.TrimSpace(tool) == "" {
		return "", 0, fmt.Errorf("no converter configured for job type %q", job.Type)
	}

	dir, err := os.MkdirTemp(r.workDir, "job-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input"+path.Ext(job.RawKey))
	if err := r.download(ctx, job.RawKey, inputPath); err != nil {
		return "", 0, err
	}
	if err := r.client.ReportProgress(ctx, job.ID, 10); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", 0, err
		}
		// Progress is best effort; keep converting.
	}

	treeOutput := job.Type.OutputType() == domain.AssetTypeTileset
	outputPath := filepath.Join(dir, "output")
	if treeOutput {
		if err := os.Mkdir(outputPath, 0o755); err != nil {
			return "", 0, fmt.Errorf("failed to create output directory: %w", err)
		}
	} else {
		outputPath += ".glb"
	}

	if err := r.runConverter(ctx, job, tool, inputPath, outputPath); err != nil {
		return "", 0, err
	}

	prefix := finalPrefix(job.RawKey)
	if treeOutput {
		return r.uploadTree(ctx, outputPath, prefix)
	}
	return r.uploadFile(ctx, outputPath, prefix)
}

func (r *Runner) download(ctx context.Context, key, dest string) error {
	reader, err := r.store.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to download raw object %s: %w", key, err)
	}
	defer reader.Close()

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("failed to write input file: %w", err)
	}
	return nil
}

// runConverter executes the tool command through the shell. The converter
// reads INPUT_PATH and writes OUTPUT_PATH; integer lines on stdout are
// forwarded to the pipeline as progress, mapped into the 10..80 band so
// upload time stays visible.
func (r *Runner) runConverter(ctx context.Context, job *domain.Job, tool, inputPath, outputPath string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", tool)
	cmd.Dir = filepath.Dir(inputPath)
	cmd.Env = append(os.Environ(),
		"INPUT_PATH="+inputPath,
		"OUTPUT_PATH="+outputPath,
		"JOB_ID="+job.ID,
		"JOB_TYPE="+string(job.Type),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open converter stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start converter: %w", err)
	}

	leaseLost := false
	scanner := bufio.NewScanner(stdout)
	last := 10
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		percent, err := strconv.Atoi(line)
		if err != nil || percent < 0 || percent > 100 {
			continue
		}
		overall := 10 + percent*70/100
		if overall <= last {
			continue
		}
		last = overall
		if err := r.client.ReportProgress(ctx, job.ID, overall); err != nil {
			if errors.Is(err, ErrConflict) {
				// Another worker owns the job now; stop burning CPU on it.
				leaseLost = true
				cancel()
				break
			}
		}
	}

	err = cmd.Wait()
	if leaseLost {
		return fmt.Errorf("%w: detected during progress report", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("converter failed: %v: %s", err, stderrTail(stderr.Bytes()))
	}
	return nil
}

func (r *Runner) uploadFile(ctx context.Context, outputPath, prefix string) (string, int64, error) {
	info, err := os.Stat(outputPath)
	if err != nil {
		return "", 0, fmt.Errorf("converter produced no output file: %w", err)
	}

	key := prefix + "/model.glb"
	if err := r.uploadOne(ctx, outputPath, key, info.Size()); err != nil {
		return "", 0, err
	}
	return key, info.Size(), nil
}

// uploadTree uploads a converter output directory, preserving relative
// paths under the final prefix. The tree must contain a root tileset.json.
func (r *Runner) uploadTree(ctx context.Context, outputDir, prefix string) (string, int64, error) {
	var total int64
	sawTileset := false

	err := filepath.WalkDir(outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "tileset.json" {
			sawTileset = true
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return r.uploadOne(ctx, p, prefix+"/"+rel, info.Size())
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload converter output: %w", err)
	}
	if !sawTileset {
		return "", 0, fmt.Errorf("converter produced no tileset.json")
	}
	return prefix + "/tileset.json", total, nil
}

func (r *Runner) uploadOne(ctx context.Context, localPath, key string, size int64) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer file.Close()

	if err := r.store.Upload(ctx, key, file, size, contentTypeFor(key)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// finalPrefix derives the final output prefix from a raw object key. Keys
// follow projects/<project>/assets/<asset>/raw/<name>; outputs live beside
// raw under final/.
func finalPrefix(rawKey string) string {
	dir := path.Dir(rawKey)
	dir = strings.TrimSuffix(dir, "/raw")
	return dir + "/final"
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".glb":
		return "model/gltf-binary"
	case ".gltf":
		return "model/gltf+json"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func stderrTail(out []byte) string {
	text := strings.TrimSpace(string(out))
	if len(text) > stderrTailLimit {
		text = "..." + text[len(text)-stderrTailLimit:]
	}
	if text == "" {
		return "no stderr output"
	}
	return text
}
