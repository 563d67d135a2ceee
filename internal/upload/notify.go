package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tubeworks/tubeup/internal/store"
)

// Notification is the webhook payload sent when a job reaches a
// terminal status.
type Notification struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	FileName string `json:"file_name"`
	VideoID  string `json:"video_id,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Notifier posts terminal job outcomes to per-job webhook URLs. Best
// effort: delivery failures are logged and dropped, never propagated
// into the job outcome.
type Notifier struct {
	HTTPClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Notify posts the job's terminal state to its webhook URL.
func (n *Notifier) Notify(ctx context.Context, job *store.Job) {
	payload, err := json.Marshal(Notification{
		JobID:    job.ID,
		Status:   job.Status,
		FileName: job.FileName,
		VideoID:  job.VideoID,
		Progress: job.Progress,
		Error:    job.ErrorMsg,
	})
	if err != nil {
		n.logger.Error("encoding webhook payload", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.NotifyURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("creating webhook request failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook returned non-success status",
			slog.String("job_id", job.ID),
			slog.Int("status", resp.StatusCode),
		)

		return
	}

	n.logger.Info("webhook delivered",
		slog.String("job_id", job.ID),
		slog.String("status", job.Status),
	)
}
