// Package api implements the admin HTTP surface: job inspection and lifecycle
// control, trigger listing, and paginated ticket browsing. It is an operator
// tool, not a tenant-facing API, and authenticates with a single bcrypt-hashed
// API key.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// maxRequestBodySize bounds admin request bodies (64 KB is generous for this
// surface).
const maxRequestBodySize = 64 << 10

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Server owns the router and the cross-cutting middleware for the admin API.
type Server struct {
	cfg    config.AdminConfig
	logger *slog.Logger
	router chi.Router
}

// NewServer creates the admin server and mounts the handler's routes behind
// the middleware chain.
func NewServer(cfg config.AdminConfig, logger *slog.Logger, h *JobsHandler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(s.Recoverer)
	r.Use(RequestLogger(logger))
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.RequireAPIKey)
		h.RegisterRoutes(r)
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "ok"}})
}

// RequireAPIKey verifies the X-Api-Key header against the configured bcrypt
// hash. An empty configured hash disables auth, for local development only.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.cfg.APIKeyHash.Unmask()
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-Api-Key")
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "API key is required", nil))
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid, "API key is not valid", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recoverer catches panics in the handler chain, logs the stack trace, and
// writes a standardized 500 response. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger assigns each request an ID, stores it and a request-scoped
// logger in the context, and logs method, path, status, and duration on
// completion. Downstream code retrieves the enriched logger with
// types.LoggerFromContext.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New().String()
			reqLogger := logger.With("request_id", requestID)
			ctx := types.WithInvocationID(r.Context(), requestID)
			ctx = types.WithLogger(ctx, reqLogger)

			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rc, r.WithContext(ctx))

			reqLogger.InfoContext(ctx, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rc.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// responseCapture records the status code written by downstream handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

func (rc *responseCapture) Unwrap() http.ResponseWriter { return rc.ResponseWriter }

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fallback := APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetInvocationID(r.Context()),
			},
		}
		_ = json.NewEncoder(w).Encode(fallback)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes a structured error response. AppErrors map to their HTTP
// status; generic errors become an opaque 500 so internal details never leak.
// Error responses are logged through the request-scoped logger.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetInvocationID(r.Context())
	logger := types.LoggerFromContext(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(r.Context(), "request failed",
				"code", string(appErr.Code),
				"error", err,
			)
		} else {
			logger.WarnContext(r.Context(), "request rejected",
				"code", string(appErr.Code),
			)
		}
		JSON(w, r, status, APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	logger.ErrorContext(r.Context(), "request failed", "error", err)
	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}

// DecodeJSON reads the request body into dst with a size cap and strict
// unknown-field rejection.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request body", err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationMissingField, "request body must contain a single JSON object", nil)
	}
	return nil
}
