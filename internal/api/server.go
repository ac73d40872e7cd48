// Package api provides the HTTP REST API of postalscan. It exposes scan job
// submission, status, results and cancellation, a WebSocket stream of status
// changes, health checks and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/postalscan/internal/api/handlers"
	"github.com/anstrom/postalscan/internal/api/middleware"
	"github.com/anstrom/postalscan/internal/auth"
	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/db"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
)

const (
	serverShutdownTimeout = 30 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	service    apihandlers.JobService
	database   apihandlers.DatabasePinger
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	build      apihandlers.BuildInfo
}

// Option configures a Server.
type Option func(*Server)

// WithDatabase enables the database health check.
func WithDatabase(database *db.DB) Option {
	return func(s *Server) {
		if database != nil {
			s.database = database
		}
	}
}

// WithMetrics sets the metrics exposed at /metrics.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(s *Server) { s.metrics = pm }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBuildInfo sets the version reported by /api/v1/version.
func WithBuildInfo(b apihandlers.BuildInfo) Option {
	return func(s *Server) { s.build = b }
}

// New creates a new API server serving service.
func New(cfg *config.Config, service apihandlers.JobService, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if service == nil {
		return nil, fmt.Errorf("job service is required")
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		service: service,
		logger:  logging.Default(),
		metrics: metrics.GetGlobalMetrics(),
		build:   apihandlers.BuildInfo{Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:        s.Handler(),
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	base := s.logger.Logger
	scans := apihandlers.NewScanHandler(s.service, base, s.config.API.MaxRequestSize)
	events := apihandlers.NewEventsHandler(s.service, base, s.originAllowed)
	capacity, _ := s.service.(apihandlers.CapacityReporter)
	health := apihandlers.NewHealthHandler(s.database, capacity, s.build, base)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/availability", scans.GetScanAvailability).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/results", scans.GetScanResults).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/networks", scans.GetScanNetworks).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/cancel", scans.CancelScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/events", events.ScanEvents).Methods(http.MethodGet)
	api.HandleFunc("/availability", scans.GetAvailability).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: slogAdapter{s.logger},
	})).Methods(http.MethodGet)

	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server. Middleware
// registered on the router runs only for matched routes.
func (s *Server) setupMiddleware() {
	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	}
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())

	if rl := s.config.API.RateLimit; rl.Enabled {
		s.router.Use(middleware.RateLimit(rl.RequestsPerSecond, rl.Burst, s.logger))
	}

	keyring := auth.NewKeyring(s.config.API.APIKeys)
	if !keyring.Enabled() {
		s.logger.Warn("No API keys configured, authentication is disabled")
	}
	s.router.Use(middleware.Authentication(keyring, s.logger))
	s.router.Use(middleware.ContentType())
}

// Handler returns the router wrapped with the handlers that must also see
// unmatched requests such as CORS preflights.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if cors := s.config.API.CORS; cors.Enabled {
		h = middleware.CORS(cors.AllowedOrigins, cors.AllowedMethods, cors.AllowedHeaders)(h)
	}
	return handlers.ProxyHeaders(h)
}

// originAllowed applies the CORS origin list to WebSocket upgrades.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	cors := s.config.API.CORS
	if !cors.Enabled {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	for _, allowed := range cors.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"service":"postalscan","version":%q,"endpoints":{"scans":"/api/v1/scans","health":"/api/v1/health","metrics":"/metrics"}}`+"\n",
		s.build.Version)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"tls", s.config.API.TLS.Enabled)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if tls := s.config.API.TLS; tls.Enabled {
			err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.httpServer.Addr
}

// slogAdapter lets promhttp report errors through the server logger.
type slogAdapter struct {
	logger *logging.Logger
}

func (a slogAdapter) Println(v ...interface{}) {
	a.logger.Error("Metrics handler error", "error", fmt.Sprint(v...))
}
