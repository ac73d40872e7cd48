// Package handlers provides HTTP request handlers for the postalscan API.
// This file contains the response and request helpers shared by all handlers.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/postalscan/internal/api/middleware"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/jobs"
)

// DefaultMaxRequestSize bounds request bodies when no limit is configured.
const DefaultMaxRequestSize = 4 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response with an explicit status code.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	writeJSON(w, r, statusCode, ErrorResponse{
		Error:     http.StatusText(statusCode),
		Code:      string(errors.GetCode(err)),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// statusFor maps a service error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, jobs.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}

	switch errors.GetCode(err) {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeDuplicateJob, errors.CodeConflict, errors.CodeNotReady:
		return http.StatusConflict
	case errors.CodeDatabaseConnection, errors.CodeDatabaseTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status it maps to. Internal errors
// are logged and their details withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r),
			"path", r.URL.Path,
			"status_code", status,
			"error", err)
		if status == http.StatusInternalServerError {
			err = errors.NewJobError(errors.GetCode(err), "", "internal error")
		}
	}
	writeError(w, r, status, err)
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.NewValidationError(key, "must be an integer", value)
		}
		return n, nil
	}
	return defaultValue, nil
}

// getQueryParamFloat extracts a float query parameter with a default value.
func getQueryParamFloat(r *http.Request, key string, defaultValue float64) (float64, error) {
	if value := r.URL.Query().Get(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, errors.NewValidationError(key, "must be a number", value)
		}
		return f, nil
	}
	return defaultValue, nil
}

// extractJobID extracts the job ID from the URL path.
func extractJobID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.NewValidationError("id", "id cannot be empty", nil)
	}
	return id, nil
}

// parseJSON decodes the request body into dest, rejecting unknown fields and
// bodies over maxSize bytes.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewValidationError("body", "request body is empty", nil)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewValidationError("body", fmt.Sprintf("request body too large (max %d bytes)", maxSize), nil)
		}
		return errors.WrapValidationError("invalid JSON", err)
	}
	if decoder.More() {
		return errors.NewValidationError("body", "request body must contain a single JSON object", nil)
	}
	return nil
}
