package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/internal/httpclient"
	"github.com/teranos/vigil/pulse/async"
)

// WebhookPayload is the JSON body a webhook job posts.
type WebhookPayload struct {
	JobID   string    `json:"job_id"`
	RuleID  string    `json:"rule_id,omitempty"`
	AssetID string    `json:"asset_id,omitempty"`
	Path    string    `json:"path,omitempty"`
	Event   string    `json:"event,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookExecutor delivers webhook jobs. Non-2xx responses fail the job.
type WebhookExecutor struct {
	client *httpclient.Client
}

// NewWebhookExecutor creates an executor sending through client.
func NewWebhookExecutor(client *httpclient.Client) *WebhookExecutor {
	return &WebhookExecutor{client: client}
}

// Name returns the job type served.
func (e *WebhookExecutor) Name() string { return ActionWebhook }

// Execute posts the payload to params.url.
func (e *WebhookExecutor) Execute(ctx context.Context, job *async.Job) (map[string]interface{}, error) {
	target, err := e.client.CheckURL(stringParam(job.Payload, "url"))
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringParam(job.Payload, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(WebhookPayload{
		JobID:   job.ID,
		RuleID:  job.RuleID,
		AssetID: job.AssetID,
		Path:    job.FilePath(),
		Event:   stringParam(job.Payload, "event_type"),
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode webhook body")
	}

	req, err := http.NewRequest(method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vigil-Job", job.ID)

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "webhook %s failed", target.Host)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := errors.Newf("webhook %s returned %d", target.Host, resp.StatusCode)
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			err = errors.WithDetail(err, msg)
		}
		return nil, err
	}
	return map[string]interface{}{"status": resp.StatusCode}, nil
}
