package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// WebhookNotifier escalates scheduler events to an operator-configured
// webhook endpoint. It implements scheduler.FailureNotifier and is the
// local/self-hosted alternative to the SQS notification queue.
type WebhookNotifier struct {
	base   *BaseClient
	url    string
	logger *slog.Logger
}

// webhookEvent is the JSON body posted to the escalation endpoint.
type webhookEvent struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// NewWebhookNotifier creates a notifier from the webhook configuration.
func NewWebhookNotifier(cfg config.WebhookConfig, logger *slog.Logger, opts ...BaseClientOption) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := NewBaseClient(
		&http.Client{Timeout: timeout},
		"escalation-webhook",
		DefaultRetryPolicy(),
		cfg.UserAgent,
		opts...,
	)
	return &WebhookNotifier{
		base:   base,
		url:    cfg.EscalationURL,
		logger: logger,
	}
}

// Notify posts the event to the escalation endpoint. A non-2xx response is an
// upstream_notification_unavailable error.
func (n *WebhookNotifier) Notify(ctx context.Context, kind string, payload map[string]any) error {
	if n.url == "" {
		n.logger.DebugContext(ctx, "escalation webhook not configured; dropping event", "kind", kind)
		return nil
	}

	body, err := json.Marshal(webhookEvent{
		Kind:      kind,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal webhook event", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.base.Do(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamNotify, "escalation webhook delivery failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamNotify,
			fmt.Sprintf("escalation webhook returned %d", resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	n.logger.InfoContext(ctx, "escalation webhook delivered", "kind", kind)
	return nil
}
