package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

func newTestNotifier(t *testing.T, url string) *WebhookNotifier {
	t.Helper()
	return NewWebhookNotifier(config.WebhookConfig{
		EscalationURL:  url,
		UserAgent:      "Mailroom-Webhook/1.0",
		DefaultTimeout: time.Second,
	}, nil, WithSleepFunc(func(time.Duration) {}))
}

func TestWebhookNotifier_DeliversEvent(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Notify(context.Background(), "job_failure_escalation", map[string]any{
		"job": "ticket-intake",
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Mailroom-Webhook/1.0", gotUserAgent)

	var event webhookEvent
	require.NoError(t, json.Unmarshal(gotBody, &event))
	assert.Equal(t, "job_failure_escalation", event.Kind)
	assert.Equal(t, "ticket-intake", event.Payload["job"])
	assert.False(t, event.EmittedAt.IsZero())
}

func TestWebhookNotifier_PropagatesInvocationID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Invocation-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	ctx := types.WithInvocationID(context.Background(), "inv-42")
	require.NoError(t, n.Notify(ctx, "job_failure_escalation", nil))
	assert.Equal(t, "inv-42", gotID)
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	require.NoError(t, n.Notify(context.Background(), "job_failure_escalation", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_FailsAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Notify(context.Background(), "job_failure_escalation", nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamNotify))
	// One initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Notify(context.Background(), "job_failure_escalation", nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeUpstreamNotify))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_UnconfiguredURLIsNoOp(t *testing.T) {
	n := newTestNotifier(t, "")
	require.NoError(t, n.Notify(context.Background(), "job_failure_escalation", nil))
}
