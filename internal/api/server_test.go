package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mailroom/internal/types"
)

func TestRequireAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open-sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	ts := newTestServer(t, newFakeBackend(), string(hash))

	t.Run("missing key", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var detail ErrorDetail
		require.NoError(t, json.Unmarshal(body["error"], &detail))
		assert.Equal(t, string(types.ErrCodeAuthKeyMissing), detail.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", map[string]string{
			"X-Api-Key": "not-the-key",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var detail ErrorDetail
		require.NoError(t, json.Unmarshal(body["error"], &detail))
		assert.Equal(t, string(types.ErrCodeAuthKeyInvalid), detail.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", map[string]string{
			"X-Api-Key": "open-sesame",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestEmptyHashDisablesAuth(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), "")

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestLoggerScopesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// The inner handler rejects the request; Error must log through the
	// request-scoped logger installed by the middleware.
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, types.GetInvocationID(r.Context()))
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil))
	}))

	req, err := http.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error.RequestID)

	// Both the rejection line and the completion line carry the request ID.
	logs := buf.String()
	assert.Contains(t, logs, "request rejected")
	assert.Contains(t, logs, "request completed")
	assert.Contains(t, logs, "request_id="+body.Error.RequestID)
	assert.Contains(t, logs, string(types.ErrCodeNotFoundJob))
}

func TestRecovererConvertsPanics(t *testing.T) {
	// Exercise the middleware directly with a panicking handler.
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	h := s.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req, err := http.NewRequest(http.MethodGet, "/v1/jobs", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), body.Error.Code)
}
