package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/logger"
)

// Dispatcher pings the worker fleet's dispatch endpoint when a job is queued
// so workers can poll immediately instead of waiting out their interval. The
// notification is advisory: workers discover queued jobs by polling either
// way, so a failed POST is logged and swallowed.
type Dispatcher struct {
	client  *resty.Client
	url     string
	enabled bool
	logger  *logger.Logger
}

// NewDispatcher creates a dispatch notifier.
// Parameters:
//   - cfg: dispatch configuration; a disabled or URL-less config yields a no-op.
//   - log: logger for delivery failures.
// Returns:
//   - *Dispatcher: initialized dispatcher.
func NewDispatcher(cfg *config.DispatchConfig, log *logger.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &Dispatcher{
		client:  client,
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		logger:  log,
	}
}

func (d *Dispatcher) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return d.logger
}

type jobQueuedPayload struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	AssetID string `json:"asset_id"`
}

// JobQueued announces a freshly queued job. Never returns an error; delivery
// failures are logged with the job context and dropped.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: the queued job.
func (d *Dispatcher) JobQueued(ctx context.Context, job *domain.Job) {
	if !d.enabled || job == nil {
		return
	}

	payload := jobQueuedPayload{
		JobID:   job.ID,
		JobType: string(job.Type),
		AssetID: job.AssetID,
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(d.url)
	if err != nil {
		d.log(ctx).WithFields(logger.Fields{
			logger.FieldJobID:   job.ID,
			logger.FieldAssetID: job.AssetID,
		}).WithError(err).Warn("Dispatch notification failed")
		return
	}
	if resp.IsError() {
		d.log(ctx).WithFields(logger.Fields{
			logger.FieldJobID:  job.ID,
			logger.FieldStatus: resp.StatusCode(),
		}).Warn("Dispatch notification rejected")
	}
}
