package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/domain"
)

// ErrConflict is returned when the pipeline reports the job is no longer
// owned by this worker, usually because a stale claim was handed to someone
// else.
var ErrConflict = errors.New("job no longer owned by this worker")

// serviceTokenTTL is the lifetime of self-minted worker tokens. Tokens are
// re-minted shortly before expiry.
const serviceTokenTTL = time.Hour

// Client calls the pipeline API on behalf of a worker.
type Client struct {
	http    *resty.Client
	baseURL string

	workerID string
	static   string
	secret   []byte

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

// ClientConfig holds configuration for the pipeline client.
type ClientConfig struct {
	BaseURL  string
	WorkerID string
	// Token is a pre-issued service token. When empty the client mints its
	// own tokens from Secret with WorkerID as the subject.
	Token   string
	Secret  string
	Timeout time.Duration
}

// NewClient creates a pipeline API client.
// Parameters:
//   - cfg: client configuration including base URL and credentials.
// Returns:
//   - *Client: initialized pipeline client.
//   - error: non-nil if no usable credential is configured.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Token == "" && cfg.Secret == "" {
		return nil, fmt.Errorf("worker needs either a token or the service secret")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &Client{
		http:     client,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		workerID: cfg.WorkerID,
		static:   cfg.Token,
		secret:   []byte(cfg.Secret),
	}, nil
}

// token returns the configured static token, or a self-minted one refreshed
// shortly before expiry.
func (c *Client) token() (string, error) {
	if c.static != "" {
		return c.static, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != "" && time.Since(c.cachedAt) < serviceTokenTTL-5*time.Minute {
		return c.cached, nil
	}
	minted, err := auth.NewServiceToken(c.secret, c.workerID, serviceTokenTTL)
	if err != nil {
		return "", fmt.Errorf("failed to mint service token: %w", err)
	}
	c.cached = minted
	c.cachedAt = time.Now()
	return minted, nil
}

type jobEnvelope struct {
	Job *domain.Job `json:"job"`
}

type apiError struct {
	Error string `json:"error"`
}

// ClaimJob asks the pipeline for the next queued job matching types. A nil
// job with a nil error means the queue is empty.
func (c *Client) ClaimJob(ctx context.Context, types []string) (*domain.Job, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if len(types) > 0 {
		req.SetQueryParam("worker_type", strings.Join(types, ","))
	}

	var envelope jobEnvelope
	resp, err := req.SetResult(&envelope).Get(c.baseURL + "/api/v1/jobs/poll")
	if err != nil {
		return nil, fmt.Errorf("failed to poll for jobs: %w", err)
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if resp.IsError() {
		return nil, c.statusError(resp)
	}
	return envelope.Job, nil
}

// ReportProgress posts a progress percentage for a claimed job.
func (c *Client) ReportProgress(ctx context.Context, jobID string, percent int) error {
	body := map[string]any{"progress": percent}
	return c.postUpdate(ctx, jobID, "update", body)
}

// ReportFailure marks a claimed job failed with an operator-facing message.
func (c *Client) ReportFailure(ctx context.Context, jobID, message string) error {
	body := map[string]any{"status": "failed", "error_message": message}
	return c.postUpdate(ctx, jobID, "update", body)
}

// CompleteJob marks a claimed job completed with the final storage key and
// total output size. The pipeline derives the produced asset type from the
// job type.
func (c *Client) CompleteJob(ctx context.Context, jobID, finalKey string, finalSize int64) error {
	body := map[string]any{"final_key": finalKey, "final_size": finalSize}
	return c.postUpdate(ctx, jobID, "complete", body)
}

func (c *Client) postUpdate(ctx context.Context, jobID, action string, body map[string]any) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post(c.baseURL + "/api/v1/jobs/" + jobID + "/" + action)
	if err != nil {
		return fmt.Errorf("failed to post job %s: %w", action, err)
	}
	if resp.IsError() {
		return c.statusError(resp)
	}
	return nil
}

func (c *Client) statusError(resp *resty.Response) error {
	var body apiError
	message := strings.TrimSpace(string(resp.Body()))
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		message = body.Error
	}
	if resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrConflict, message)
	}
	return fmt.Errorf("pipeline API returned %d: %s", resp.StatusCode(), message)
}
