package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/store"
)

const testKey = "ps_abcdefghijklmnopqrstuvwxyz234567"

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.ListenAddr = "127.0.0.1"
	cfg.API.Port = 8080
	cfg.API.CORS.AllowedOrigins = []string{"https://ops.example"}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *jobs.Manager) {
	t.Helper()
	logger := logging.NewWithWriter(logging.DefaultConfig(), io.Discard)
	pm := metrics.NewPrometheusMetrics()

	m, err := jobs.NewManager(store.NewMemory(), jobs.DefaultConfig(),
		jobs.WithLogger(logger), jobs.WithMetrics(pm))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	srv, err := New(cfg, m, WithLogger(logger), WithMetrics(pm))
	require.NoError(t, err)
	return srv, m
}

func request(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(createTestConfig(t), nil)
	assert.Error(t, err)
}

func TestServer_Address(t *testing.T) {
	srv, _ := newTestServer(t, createTestConfig(t))
	assert.Equal(t, "127.0.0.1:8080", srv.Address())
}

func TestServer_Routes(t *testing.T) {
	srv, m := newTestServer(t, createTestConfig(t))
	h := srv.Handler()

	rec := request(t, h, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"jobs":"ok"`)
	assert.Contains(t, rec.Body.String(), `"capacity":`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	body := `{"id":"api-1","networks":[{"network":"10.0.0.0/30","postal_code":"11111"}],` +
		`"parameters":{"port":80,"bandwidth_cap":"10M","max_networks":10,"simulate":true,"seed":7}}`
	rec = request(t, h, http.MethodPost, "/api/v1/scans", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.Wait(ctx, "api-1")
	require.NoError(t, err)

	rec = request(t, h, http.MethodGet, "/api/v1/scans/api-1/availability", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avail struct {
		Stats []struct {
			PostalCode   string  `json:"postal_code"`
			HostsSampled int     `json:"hosts_sampled"`
			ResponseRate float64 `json:"response_rate"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
	require.Len(t, avail.Stats, 1)
	assert.Equal(t, 4, avail.Stats[0].HostsSampled)

	rec = request(t, h, http.MethodGet, "/api/v1/scans/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = request(t, h, http.MethodPost, "/api/v1/scans", "network=1", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = request(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "postalscan_jobs_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/scans/{id}/availability"`)

	rec = request(t, h, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, json.Valid(rec.Body.Bytes()))

	rec = request(t, h, http.MethodDelete, "/api/v1/scans/api-1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Authentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := createTestConfig(t)
	cfg.API.APIKeys = []string{string(hash)}

	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/api/v1/health", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, request(t, h, http.MethodGet, "/api/v1/scans", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		request(t, h, http.MethodGet, "/api/v1/scans", "", map[string]string{"X-API-Key": testKey}).Code)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.API.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1}

	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/api/v1/scans", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, request(t, h, http.MethodGet, "/api/v1/scans", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		request(t, h, http.MethodGet, "/api/v1/scans", "", map[string]string{"X-Forwarded-For": "203.0.113.9"}).Code,
		"forwarded clients get their own bucket")
}

func TestServer_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, createTestConfig(t))

	rec := request(t, srv.Handler(), http.MethodOptions, "/api/v1/scans", "", map[string]string{
		"Origin":                        "https://ops.example",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_OriginAllowed(t *testing.T) {
	srv, _ := newTestServer(t, createTestConfig(t))

	req := httptest.NewRequest(http.MethodGet, "http://api.local/api/v1/scans/x/events", nil)
	assert.True(t, srv.originAllowed(req), "no origin")

	req.Header.Set("Origin", "https://ops.example")
	assert.True(t, srv.originAllowed(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, srv.originAllowed(req))

	srv.config.API.CORS.Enabled = false
	req.Header.Set("Origin", "http://api.local")
	assert.True(t, srv.originAllowed(req), "same host")
}

func TestServer_StartStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	cfg := createTestConfig(t)
	cfg.API.Port = port
	srv, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/api/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
