// Package handlers provides HTTP request handlers for the postalscan API.
// This file implements the scan job endpoints: submission, listing, status,
// results and cancellation.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/scanning"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// JobService is the job manager surface used by the API.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (string, error)
	Get(ctx context.Context, id string) (*jobs.JobRecord, error)
	Results(ctx context.Context, id string) ([]aggregate.AvailabilityStat, error)
	ProbeResults(ctx context.Context, id string) ([]scanning.ProbeResult, error)
	Networks(ctx context.Context, id string) ([]ingest.NetworkRecord, error)
	List(ctx context.Context, filter jobs.ListFilter) ([]jobs.ScanJob, error)
	Availability(ctx context.Context) ([]aggregate.AvailabilityStat, error)
	Cancel(ctx context.Context, id string) error
	Subscribe(id string) (<-chan jobs.Event, func())
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	service        JobService
	logger         *slog.Logger
	maxRequestSize int64
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(service JobService, logger *slog.Logger, maxRequestSize int64) *ScanHandler {
	return &ScanHandler{
		service:        service,
		logger:         logger.With("handler", "scan"),
		maxRequestSize: maxRequestSize,
	}
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

// ListResponse wraps a list of jobs.
type ListResponse struct {
	Jobs  []jobs.ScanJob `json:"jobs"`
	Count int            `json:"count"`
}

// ResultsResponse carries the raw probe results of a job.
type ResultsResponse struct {
	JobID   string                 `json:"job_id"`
	Results []scanning.ProbeResult `json:"results"`
}

// NetworksResponse carries the networks a job ingested.
type NetworksResponse struct {
	JobID    string                 `json:"job_id"`
	Networks []ingest.NetworkRecord `json:"networks"`
}

// AvailabilityResponse carries per-postal-code statistics.
type AvailabilityResponse struct {
	JobID string                       `json:"job_id,omitempty"`
	Stats []aggregate.AvailabilityStat `json:"stats"`
}

// CreateScan accepts a new job. The job runs in the background; clients
// poll GET /scans/{id} or subscribe to /scans/{id}/events.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := h.service.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.logger.Info("Scan submitted", "job_id", id, "simulate", req.Parameters.Simulate)
	w.Header().Set("Location", "/api/v1/scans/"+id)
	writeJSON(w, r, http.StatusAccepted, SubmitResponse{ID: id, Status: jobs.StatusCreated})
}

// ListScans returns stored jobs, newest first. Supports ?status=a,b and ?limit=n.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if limit < 1 || limit > maxListLimit {
		writeError(w, r, http.StatusBadRequest,
			errors.NewValidationError("limit", "must be between 1 and 1000", limit))
		return
	}

	filter := jobs.ListFilter{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := jobs.Status(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, r, http.StatusBadRequest,
					errors.NewValidationError("status", "unknown status", part))
				return
			}
			filter.Status = append(filter.Status, status)
		}
	}

	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []jobs.ScanJob{}
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Jobs: list, Count: len(list)})
}

// GetScan returns a job and, once completed, its statistics.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// GetScanAvailability returns the statistics of a completed job, or 409
// while the job has not completed.
func (h *ScanHandler) GetScanAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	minRate, err := getQueryParamFloat(r, "min_rate", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	stats, err := h.service.Results(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if minRate > 0 {
		stats = aggregate.Filter(stats, minRate)
	}
	writeJSON(w, r, http.StatusOK, AvailabilityResponse{JobID: id, Stats: stats})
}

// GetScanResults returns the raw probe results recorded for a job.
func (h *ScanHandler) GetScanResults(w http.ResponseWriter, r *http.Request) {
	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	results, err := h.service.ProbeResults(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if results == nil {
		results = []scanning.ProbeResult{}
	}
	writeJSON(w, r, http.StatusOK, ResultsResponse{JobID: id, Results: results})
}

// GetScanNetworks returns the networks a job accepted during ingestion.
func (h *ScanHandler) GetScanNetworks(w http.ResponseWriter, r *http.Request) {
	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	networks, err := h.service.Networks(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if networks == nil {
		networks = []ingest.NetworkRecord{}
	}
	writeJSON(w, r, http.StatusOK, NetworksResponse{JobID: id, Networks: networks})
}

// CancelScan asks a created or running job to stop.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Scan cancel requested", "job_id", id)
	writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id, "message": "cancel requested"})
}

// GetAvailability returns statistics summed over all completed jobs.
// Supports ?min_rate=<percent>.
func (h *ScanHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	minRate, err := getQueryParamFloat(r, "min_rate", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	stats, err := h.service.Availability(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if minRate > 0 {
		stats = aggregate.Filter(stats, minRate)
	}
	if stats == nil {
		stats = []aggregate.AvailabilityStat{}
	}
	writeJSON(w, r, http.StatusOK, AvailabilityResponse{Stats: stats})
}
