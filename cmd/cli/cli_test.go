package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/api"
	"github.com/anstrom/postalscan/internal/api/handlers"
	"github.com/anstrom/postalscan/internal/auth"
	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/probe"
	"github.com/anstrom/postalscan/internal/store"
)

const sampleCSV = "network,postal_code\n10.0.0.0/30,11111\n10.0.0.4/30,22222\n"

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))
	return path
}

func newTestCLIManager(t *testing.T, inputDir string) *jobs.Manager {
	t.Helper()
	m, err := newManager(config.Default(), store.NewMemory(), inputDir, metrics.NewPrometheusMetrics())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestGetConfigFilePath(t *testing.T) {
	defer viper.Reset()

	viper.Reset()
	assert.Equal(t, "config.yaml", getConfigFilePath())

	viper.SetConfigFile("/etc/postalscan/config.yaml")
	assert.Equal(t, "/etc/postalscan/config.yaml", getConfigFilePath())
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("database.password", "s3cret")
	v.Set("database.port", 6543)
	v.Set("jobs.store", config.StorePostgres)
	v.Set("api.port", "9090")

	cfg := config.Default()
	applyOverrides(cfg, v)

	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, config.StorePostgres, cfg.Jobs.Store)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, config.Default().Logging.Level, cfg.Logging.Level, "unset keys keep their value")
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Scanning.SampleCeiling = 16
	cfg.Scanning.ProbeBits = 512
	cfg.Scanning.Retry.MaxRetries = 7
	cfg.Jobs.MaxConcurrent = 2

	mc := managerConfig(cfg)
	assert.Equal(t, 16, mc.Scheduler.SampleCeiling)
	assert.Equal(t, cfg.Scanning.ResultBatchSize, mc.Scheduler.BatchSize)
	assert.Equal(t, 512, mc.ProbeBits)
	assert.Equal(t, 7, mc.Retry.MaxRetries)
	assert.Equal(t, cfg.Scanning.Retry.BackoffMultiplier, mc.Retry.Multiplier)
	assert.Equal(t, 2, mc.MaxConcurrent)
}

func TestProberFactory(t *testing.T) {
	factory := proberFactory(config.Default(), nil)

	p, err := factory(jobs.Parameters{Simulate: true, Seed: 3})
	require.NoError(t, err)
	assert.IsType(t, &probe.Simulator{}, p)

	p, err = factory(jobs.Parameters{})
	require.NoError(t, err)
	assert.IsType(t, &probe.NmapProber{}, p)
}

func TestOpenStore_Memory(t *testing.T) {
	st, database, err := openStore(context.Background(), config.Default())
	require.NoError(t, err)
	assert.Nil(t, database)
	assert.IsType(t, &store.Memory{}, st)
}

func TestScanParameters(t *testing.T) {
	p := scanParameters(scanOptions{maxNetworks: 5, simulate: true, seed: 9}, 80, "10M")
	assert.Equal(t, jobs.Parameters{Port: 80, BandwidthCap: "10M", MaxNetworks: 5, Simulate: true, Seed: 9}, p)

	p = scanParameters(scanOptions{port: 443, bandwidth: "100pps", maxNetworks: 1, skipPrivate: true}, 80, "10M")
	assert.Equal(t, 443, p.Port)
	assert.Equal(t, "100pps", p.BandwidthCap)
	assert.True(t, p.SkipPrivate)
}

func TestAddJobFlags(t *testing.T) {
	var o scanOptions
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addJobFlags(fs, &o)

	require.NoError(t, fs.Parse([]string{"-p", "443", "-B", "100pps", "--seed", "42", "--skip-private", "--id", "nightly"}))
	assert.Equal(t, 443, o.port)
	assert.Equal(t, "100pps", o.bandwidth)
	assert.Equal(t, uint64(42), o.seed)
	assert.True(t, o.skipPrivate)
	assert.Equal(t, "nightly", o.id)
	assert.Equal(t, defaultMaxNetworks, o.maxNetworks)
}

func TestRunJob_CompletesAndExports(t *testing.T) {
	input := writeInput(t)
	m := newTestCLIManager(t, filepath.Dir(input))

	var progress bytes.Buffer
	req := jobs.SubmitRequest{
		ID:             "cli-1",
		InputReference: filepath.Base(input),
		Parameters:     scanParameters(scanOptions{maxNetworks: 10, simulate: true, seed: 1}, 80, "10M"),
	}
	rec, err := runJob(context.Background(), m, req, &progress)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	require.Len(t, rec.Stats, 2)
	assert.Equal(t, "11111", rec.Stats[0].PostalCode)
	assert.Equal(t, 4, rec.Stats[0].HostsSampled)

	dir := filepath.Join(t.TempDir(), "export")
	var out bytes.Buffer
	require.NoError(t, exportJob(context.Background(), m, rec, dir, &out))
	assert.Contains(t, out.String(), "scan_cli-1_results.csv")

	data, err := os.ReadFile(filepath.Join(dir, "scan_cli-1_results.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 9, "header plus 8 probe results")
}

func TestRunJob_ValidationError(t *testing.T) {
	m := newTestCLIManager(t, t.TempDir())

	_, err := runJob(context.Background(), m, jobs.SubmitRequest{
		InputReference: "x.csv",
		Parameters:     jobs.Parameters{Port: 0, BandwidthCap: "10M", MaxNetworks: 1},
	}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPrintStatsTable(t *testing.T) {
	var buf bytes.Buffer
	printStatsTable(&buf, []aggregate.AvailabilityStat{
		{PostalCode: "11111", NetworksScanned: 1, HostsSampled: 4, HostsResponsive: 2, ResponseRate: 0.5},
	})
	out := buf.String()
	assert.Contains(t, out, "11111")
	assert.Contains(t, out, "50.0%")
}

func TestValidateOutput(t *testing.T) {
	assert.NoError(t, validateOutput("table"))
	assert.NoError(t, validateOutput("json"))
	assert.Error(t, validateOutput("yaml"))
}

func TestFormatDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	assert.Equal(t, "1.5s", formatDuration(&start, &end))
	assert.Equal(t, "-", formatDuration(&start, nil))
}

func TestGetAPIKeyFromSources(t *testing.T) {
	v := viper.New()
	assert.Empty(t, getAPIKeyFromSources(v))

	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("ps_fromfile\n"), 0o600))
	v.Set("api_key_file", keyFile)
	assert.Equal(t, "ps_fromfile", getAPIKeyFromSources(v))

	v.Set("api_key", "ps_fromenv")
	assert.Equal(t, "ps_fromenv", getAPIKeyFromSources(v), "the variable wins over the file")
}

func TestReadNetworksFile(t *testing.T) {
	records, err := readNetworksFile(writeInput(t))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "10.0.0.4/30", records[1].Network)

	_, err = readNetworksFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestAPIClient_AgainstServer(t *testing.T) {
	cfg := config.Default()
	m := newTestCLIManager(t, t.TempDir())
	srv, err := api.New(cfg, m, api.WithMetrics(metrics.NewPrometheusMetrics()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := NewAPIClient(cfg, ts.URL, "")
	require.NoError(t, err)
	ctx := context.Background()

	records, err := readNetworksFile(writeInput(t))
	require.NoError(t, err)
	req := jobs.SubmitRequest{
		ID:         "remote-1",
		Networks:   records,
		Parameters: jobs.Parameters{Port: 80, BandwidthCap: "10M", MaxNetworks: 10, Simulate: true},
	}
	var submitted handlers.SubmitResponse
	require.NoError(t, client.Post(ctx, "/scans", req, &submitted))
	assert.Equal(t, "remote-1", submitted.ID)

	rec, err := pollJob(ctx, client, "remote-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	assert.Len(t, rec.Stats, 2)

	err = client.Post(ctx, "/scans", req, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "DUPLICATE_JOB", apiErr.Code)

	err = client.Get(ctx, "/scans/missing", &rec)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.Contains(t, describeAPIError(err, "get job").Error(), "get job failed")
}

func TestNewAPIClient_BaseURL(t *testing.T) {
	cfg := config.Default()

	c, err := NewAPIClient(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/api/v1", c.baseURL)

	cfg.API.TLS.Enabled = true
	c, err = NewAPIClient(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:8080/api/v1", c.baseURL)

	c, err = NewAPIClient(cfg, "http://scanner.internal:9000/", "")
	require.NoError(t, err)
	assert.Equal(t, "http://scanner.internal:9000/api/v1", c.baseURL)

	_, err = NewAPIClient(cfg, "not a url", "")
	assert.Error(t, err)
}

func TestDescribeAPIError_Unauthorized(t *testing.T) {
	err := describeAPIError(&APIError{StatusCode: http.StatusUnauthorized, Message: "API key required"}, "list jobs")
	assert.Contains(t, err.Error(), "POSTALSCAN_API_KEY")
}

func TestPrintGeneratedKey(t *testing.T) {
	key, err := auth.GenerateAPIKey("ci")
	require.NoError(t, err)

	var buf bytes.Buffer
	printGeneratedKey(&buf, key)
	out := buf.String()
	assert.Contains(t, out, key.Key)
	assert.Contains(t, out, key.Hash)
	assert.True(t, auth.IsValidAPIKeyFormat(key.Key))
}
