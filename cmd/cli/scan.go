package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/export"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/store"
)

const (
	defaultMaxNetworks = 10000
	cancelGrace        = 30 * time.Second
)

// scanOptions holds the flags of the scan command.
type scanOptions struct {
	input        string
	id           string
	description  string
	port         int
	bandwidth    string
	maxNetworks  int
	simulate     bool
	seed         uint64
	skipPrivate  bool
	exportDir    string
	minThreshold float64
	output       string
}

var scanOpts scanOptions

// scanCmd runs one job in-process and prints its availability table.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the networks of a CSV file and report availability per postal code",
	Long: `Run a reachability scan in-process against the networks listed in a CSV file
with "network" and "postal_code" columns.

Hosts are sampled from every network, one TCP port is probed on each sampled
address and the share of responsive hosts is reported per postal code. Use
--simulate to answer probes deterministically without touching the network.`,
	Example: `  postalscan scan --input networks.csv --simulate
  postalscan scan --input networks.csv --port 443 --bandwidth 10M
  postalscan scan --input networks.csv --simulate --seed 42 --export-dir ./out
  postalscan scan --input networks.csv --simulate --min-threshold 50 --output json`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	f := scanCmd.Flags()
	f.StringVarP(&scanOpts.input, "input", "i", "", "CSV file with network and postal_code columns")
	addJobFlags(f, &scanOpts)
	f.StringVar(&scanOpts.exportDir, "export-dir", "", "Write results CSV and availability JSON to this directory")
	f.Float64Var(&scanOpts.minThreshold, "min-threshold", 0, "Only print postal codes at or above this response rate in percent")
	f.StringVarP(&scanOpts.output, "output", "o", outputTable, "Output format: table or json")

	_ = scanCmd.MarkFlagRequired("input")
}

// addJobFlags registers the job id and parameter flags shared by scan and
// jobs submit.
func addJobFlags(f *pflag.FlagSet, o *scanOptions) {
	f.StringVar(&o.id, "id", "", "Job id (generated when empty)")
	f.StringVar(&o.description, "description", "", "Free-form job description")
	f.IntVarP(&o.port, "port", "p", 0, "TCP port to probe (default from scanning.default_port)")
	f.StringVarP(&o.bandwidth, "bandwidth", "B", "", "Bandwidth cap, e.g. 10M or 5000pps (default from scanning.default_bandwidth)")
	f.IntVar(&o.maxNetworks, "max-networks", defaultMaxNetworks, "Maximum number of networks to scan")
	f.BoolVar(&o.simulate, "simulate", false, "Answer probes with the deterministic simulator")
	f.Uint64Var(&o.seed, "seed", 0, "Seed for sampling and simulation")
	f.BoolVar(&o.skipPrivate, "skip-private", false, "Skip private, loopback and link-local networks")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateOutput(scanOpts.output); err != nil {
		return err
	}
	if scanOpts.minThreshold < 0 || scanOpts.minThreshold > 100 {
		return fmt.Errorf("--min-threshold must be between 0 and 100")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	input, err := filepath.Abs(scanOpts.input)
	if err != nil {
		return fmt.Errorf("invalid input path: %w", err)
	}
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	manager, err := newManager(cfg, store.NewMemory(), filepath.Dir(input), metrics.NewPrometheusMetrics())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
	}()

	req := jobs.SubmitRequest{
		ID:             scanOpts.id,
		InputReference: filepath.Base(input),
		Description:    scanOpts.description,
		Parameters:     scanParameters(scanOpts, cfg.Scanning.DefaultPort, cfg.Scanning.DefaultBandwidth),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := runJob(ctx, manager, req, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if rec.Job.Status != jobs.StatusCompleted {
		return fmt.Errorf("scan %s %s: %s", rec.Job.ID, rec.Job.Status, rec.Job.Error)
	}

	if scanOpts.exportDir != "" {
		if err := exportJob(context.Background(), manager, rec, scanOpts.exportDir, cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	stats := aggregate.Filter(rec.Stats, scanOpts.minThreshold)
	out := cmd.OutOrStdout()
	if scanOpts.output == outputJSON {
		return printJSON(out, export.Availability{JobID: rec.Job.ID, ExportedAt: time.Now().UTC(), Stats: stats})
	}
	printStatsTable(out, stats)
	return nil
}

// scanParameters fills unset flags from the configured defaults.
func scanParameters(o scanOptions, defaultPort int, defaultBandwidth string) jobs.Parameters {
	port := o.port
	if port == 0 {
		port = defaultPort
	}
	bandwidth := o.bandwidth
	if bandwidth == "" {
		bandwidth = defaultBandwidth
	}
	return jobs.Parameters{
		Port:         port,
		BandwidthCap: bandwidth,
		MaxNetworks:  o.maxNetworks,
		Simulate:     o.simulate,
		Seed:         o.seed,
		SkipPrivate:  o.skipPrivate,
	}
}

// runJob submits req and follows its status events until it ends. When ctx
// is canceled the job is canceled and its final record is still returned.
func runJob(ctx context.Context, manager *jobs.Manager, req jobs.SubmitRequest, progress io.Writer) (*jobs.JobRecord, error) {
	id, err := manager.Submit(context.Background(), req)
	if err != nil {
		return nil, err
	}
	logging.InfoJob("Scan submitted", id)

	events, unsubscribe := manager.Subscribe(id)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Error != "" {
				fmt.Fprintf(progress, "%s  %s (%s)\n", ev.Time.Local().Format(timeLayout), ev.Status, ev.Error)
				continue
			}
			fmt.Fprintf(progress, "%s  %s\n", ev.Time.Local().Format(timeLayout), ev.Status)
		}
	}()

	rec, err := manager.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		fmt.Fprintln(progress, "Interrupted, canceling scan...")
		graceCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		if cerr := manager.Cancel(graceCtx, id); cerr != nil {
			return nil, cerr
		}
		rec, err = manager.Wait(graceCtx, id)
	}
	if err != nil {
		return nil, err
	}

	unsubscribe()
	<-done
	return rec, nil
}

// exportJob writes the job's raw results and statistics under dir.
func exportJob(ctx context.Context, manager *jobs.Manager, rec *jobs.JobRecord, dir string, w io.Writer) error {
	networks, err := manager.Networks(ctx, rec.Job.ID)
	if err != nil {
		return err
	}
	results, err := manager.ProbeResults(ctx, rec.Job.ID)
	if err != nil {
		return err
	}

	paths, err := export.ToDir(dir, rec.Job.ID, networks, results, rec.Stats, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Results written to %s\n", paths.Results)
	fmt.Fprintf(w, "Availability written to %s\n", paths.Availability)
	return nil
}
