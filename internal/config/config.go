// Package config loads, validates and saves the postalscan YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/postalscan/internal/db"
	"github.com/anstrom/postalscan/internal/errors"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	maxPort = 65535
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config represents the complete postalscan configuration
type Config struct {
	// Database configuration, used when jobs.store is postgres
	Database db.Config `yaml:"database" json:"database"`

	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Job manager configuration
	Jobs JobsConfig `yaml:"jobs" json:"jobs"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScanningConfig holds probe scheduling settings
type ScanningConfig struct {
	// Networks with more addresses than this are sampled
	SampleCeiling int `yaml:"sample_ceiling" json:"sample_ceiling"`

	// Upper bound on parallel probe workers per job
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// Bounded wait for a single probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// Wire size of one probe in bits, used to turn a bandwidth cap into a probe rate
	ProbeBits int `yaml:"probe_bits" json:"probe_bits"`

	// Consecutive capability errors before a job is aborted
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// Probe results are persisted in batches of this size
	ResultBatchSize int `yaml:"result_batch_size" json:"result_batch_size"`

	// nmap scan technique for real probes: connect or syn
	ScanType string `yaml:"scan_type" json:"scan_type"`

	// Optional path to the nmap binary
	NmapPath string `yaml:"nmap_path" json:"nmap_path"`

	// Defaults applied to submissions that omit them
	DefaultPort      int    `yaml:"default_port" json:"default_port"`
	DefaultBandwidth string `yaml:"default_bandwidth" json:"default_bandwidth"`

	// Retry configuration for persistence calls
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RetryConfig holds retry settings for failed store calls
type RetryConfig struct {
	// Maximum number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Delay before the first retry
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Upper bound for a single delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Exponential backoff multiplier
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// JobsConfig holds job manager settings
type JobsConfig struct {
	// Persistence driver: memory or postgres
	Store string `yaml:"store" json:"store"`

	// Number of finished job snapshots kept in memory
	HistorySize int `yaml:"history_size" json:"history_size"`

	// Jobs allowed to probe at the same time; others wait for a slot
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// Directory that input_reference paths are resolved against
	InputDir string `yaml:"input_dir" json:"input_dir"`

	// Time allowed for running jobs to wind down on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Port       int    `yaml:"port" json:"port"`

	TLS TLSConfig `yaml:"tls" json:"tls"`

	// bcrypt hashes of accepted API keys; empty disables authentication
	APIKeys []string `yaml:"api_keys" json:"-"`

	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Per-client token bucket keyed by remote address
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// RateLimitConfig holds per-client request limits
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		Scanning: ScanningConfig{
			SampleCeiling:    256,
			MaxConcurrency:   64,
			ProbeTimeout:     2 * time.Second,
			ProbeBits:        672,
			FailureThreshold: 3,
			ResultBatchSize:  500,
			ScanType:         "connect",
			DefaultPort:      80,
			DefaultBandwidth: "10M",
			Retry: RetryConfig{
				MaxRetries:        4,
				RetryDelay:        200 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2.0,
			},
		},
		Jobs: JobsConfig{
			Store:           StoreMemory,
			HistorySize:     256,
			MaxConcurrent:   4,
			InputDir:        ".",
			ShutdownTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 20,
				Burst:             40,
			},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 4 << 20,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stderr",
			RequestLogging: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Jobs.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.Host == "" {
			return errors.ErrConfigMissing("database.host")
		}
		if c.Database.Database == "" {
			return errors.ErrConfigMissing("database.database")
		}
		if c.Database.Username == "" {
			return errors.ErrConfigMissing("database.username")
		}
	default:
		return errors.ErrConfigInvalid("jobs.store", c.Jobs.Store)
	}

	if c.Jobs.HistorySize <= 0 {
		return errors.ErrConfigInvalid("jobs.history_size", c.Jobs.HistorySize)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return errors.ErrConfigInvalid("jobs.max_concurrent", c.Jobs.MaxConcurrent)
	}

	if err := c.Scanning.validate(); err != nil {
		return err
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > maxPort {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
	}

	if c.API.RateLimit.Enabled {
		if c.API.RateLimit.RequestsPerSecond <= 0 {
			return errors.ErrConfigInvalid("api.rate_limit.requests_per_second", c.API.RateLimit.RequestsPerSecond)
		}
		if c.API.RateLimit.Burst <= 0 {
			return errors.ErrConfigInvalid("api.rate_limit.burst", c.API.RateLimit.Burst)
		}
	}

	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return errors.ErrConfigMissing("api.tls.cert_file")
		}
		if c.API.TLS.KeyFile == "" {
			return errors.ErrConfigMissing("api.tls.key_file")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

func (s *ScanningConfig) validate() error {
	switch {
	case s.SampleCeiling <= 0:
		return errors.ErrConfigInvalid("scanning.sample_ceiling", s.SampleCeiling)
	case s.MaxConcurrency <= 0:
		return errors.ErrConfigInvalid("scanning.max_concurrency", s.MaxConcurrency)
	case s.ProbeTimeout <= 0:
		return errors.ErrConfigInvalid("scanning.probe_timeout", s.ProbeTimeout)
	case s.ProbeBits <= 0:
		return errors.ErrConfigInvalid("scanning.probe_bits", s.ProbeBits)
	case s.FailureThreshold <= 0:
		return errors.ErrConfigInvalid("scanning.failure_threshold", s.FailureThreshold)
	case s.ResultBatchSize <= 0:
		return errors.ErrConfigInvalid("scanning.result_batch_size", s.ResultBatchSize)
	case s.ScanType != "connect" && s.ScanType != "syn":
		return errors.ErrConfigInvalid("scanning.scan_type", s.ScanType)
	case s.DefaultPort <= 0 || s.DefaultPort > maxPort:
		return errors.ErrConfigInvalid("scanning.default_port", s.DefaultPort)
	case s.Retry.MaxRetries < 0:
		return errors.ErrConfigInvalid("scanning.retry.max_retries", s.Retry.MaxRetries)
	case s.Retry.BackoffMultiplier < 1:
		return errors.ErrConfigInvalid("scanning.retry.backoff_multiplier", s.Retry.BackoffMultiplier)
	}
	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// UsesPostgres reports whether jobs are persisted in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.Jobs.Store == StorePostgres
}
