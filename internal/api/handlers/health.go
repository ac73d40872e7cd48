// Package handlers provides HTTP request handlers for the postalscan API.
// This file implements health, liveness and version endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/postalscan/internal/scanning"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// CapacityReporter exposes job slot usage.
type CapacityReporter interface {
	Capacity() scanning.ResourceStats
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
	StatusDegraded      = "degraded"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	database  DatabasePinger
	jobs      CapacityReporter
	build     BuildInfo
	logger    *slog.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil when
// jobs are kept in memory, and jobs may be nil when slot usage is unknown.
func NewHealthHandler(database DatabasePinger, jobs CapacityReporter, build BuildInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		jobs:      jobs,
		build:     build,
		logger:    logger.With("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]string       `json:"checks"`
	Jobs      *scanning.ResourceStats `json:"jobs,omitempty"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health reports service health, pinging the database when one is used.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.database != nil {
		if err := h.database.Ping(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["database"] = "failed"
			h.logger.Warn("Database health check failed", "error", err)
		} else {
			response.Checks["database"] = "ok"
		}
	} else {
		response.Checks["database"] = StatusNotConfigured
	}

	if h.jobs != nil {
		stats := h.jobs.Capacity()
		response.Jobs = &stats
		switch {
		case stats.Closed:
			// Draining for shutdown; stop routing new submissions here.
			response.Status = StatusUnhealthy
			response.Checks["jobs"] = "closed"
		case len(stats.LongRunning) > 0:
			response.Checks["jobs"] = StatusDegraded
			h.logger.Warn("Jobs holding a slot for a long time", "jobs", stats.LongRunning)
		default:
			response.Checks["jobs"] = "ok"
		}
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Version returns build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   h.build.Version,
		Commit:    h.build.Commit,
		BuildTime: h.build.BuildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}
