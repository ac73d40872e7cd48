package cli

import (
	"context"
	"fmt"

	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/db"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/probe"
	"github.com/anstrom/postalscan/internal/scanning"
	"github.com/anstrom/postalscan/internal/store"
)

// managerConfig converts the scanning and jobs sections into manager settings.
func managerConfig(cfg *config.Config) jobs.Config {
	s := cfg.Scanning
	return jobs.Config{
		Scheduler: scanning.Config{
			SampleCeiling:    s.SampleCeiling,
			MaxConcurrency:   s.MaxConcurrency,
			ProbeTimeout:     s.ProbeTimeout,
			FailureThreshold: s.FailureThreshold,
			BatchSize:        s.ResultBatchSize,
		},
		ProbeBits: s.ProbeBits,
		Retry: jobs.RetryPolicy{
			MaxRetries: s.Retry.MaxRetries,
			Delay:      s.Retry.RetryDelay,
			MaxDelay:   s.Retry.MaxDelay,
			Multiplier: s.Retry.BackoffMultiplier,
		},
		HistorySize:   cfg.Jobs.HistorySize,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
	}
}

// proberFactory answers simulated jobs with the deterministic simulator and
// live jobs with nmap.
func proberFactory(cfg *config.Config, logger *logging.Logger) jobs.ProberFactory {
	live := probe.NewNmapProber(probe.NmapConfig{
		BinaryPath:  cfg.Scanning.NmapPath,
		ScanType:    cfg.Scanning.ScanType,
		HostTimeout: cfg.Scanning.ProbeTimeout,
	}, logger)

	return func(params jobs.Parameters) (probe.Prober, error) {
		if params.Simulate {
			return probe.NewSimulator(params.Seed), nil
		}
		return live, nil
	}
}

// openStore returns the configured job store. The returned *db.DB is nil
// for the memory store and must be closed by the caller otherwise.
func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, *db.DB, error) {
	if !cfg.UsesPostgres() {
		return store.NewMemory(), nil, nil
	}

	database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return db.NewStore(database), database, nil
}

// newManager builds a job manager reading input references from inputDir.
func newManager(cfg *config.Config, st jobs.Store, inputDir string, pm *metrics.PrometheusMetrics) (*jobs.Manager, error) {
	logger := logging.Default()
	return jobs.NewManager(st, managerConfig(cfg),
		jobs.WithLogger(logger),
		jobs.WithMetrics(pm),
		jobs.WithSource(ingest.DirSource{Dir: inputDir}),
		jobs.WithProbers(proberFactory(cfg, logger)),
	)
}
