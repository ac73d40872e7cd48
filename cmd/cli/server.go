package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/postalscan/internal/api"
	"github.com/anstrom/postalscan/internal/api/handlers"
	"github.com/anstrom/postalscan/internal/config"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
)

const systemMetricsInterval = 15 * time.Second

// Server command flags.
var (
	serverHost string
	serverPort int
)

// serverCmd runs the HTTP API in the foreground.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API server",
	Long: `Run the postalscan HTTP API in the foreground.

Jobs submitted through the API run in this process and are persisted to the
store selected by jobs.store (memory or postgres). SIGINT or SIGTERM stops
accepting requests, lets running jobs finish within jobs.shutdown_timeout and
cancels the rest.`,
	Example: `  postalscan server
  postalscan server --host 0.0.0.0 --port 8080
  POSTALSCAN_JOBS_STORE=postgres postalscan server`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverHost, "host", "", "Override api.listen_addr")
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "Override api.port")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverHost != "" {
		cfg.API.ListenAddr = serverHost
	}
	if serverPort != 0 {
		cfg.API.Port = serverPort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cmd.OutOrStdout())
}

// serve runs the API until ctx is canceled, then drains the job manager.
func serve(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	logger := logging.Default()
	pm := metrics.GetGlobalMetrics()

	st, database, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if cerr := database.Close(); cerr != nil {
				logger.Warn("Failed to close database", "error", cerr)
			}
		}()
	}

	manager, err := newManager(cfg, st, cfg.Jobs.InputDir, pm)
	if err != nil {
		return err
	}
	if n, rerr := manager.Recover(ctx); rerr != nil {
		logger.Warn("Failed to recover interrupted jobs", "error", rerr)
	} else if n > 0 {
		logger.Info("Recovered interrupted jobs", "count", n)
	}

	server, err := api.New(cfg, manager,
		api.WithDatabase(database),
		api.WithLogger(logger),
		api.WithMetrics(pm),
		api.WithBuildInfo(handlers.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}),
	)
	if err != nil {
		return err
	}

	printStartupInfo(out, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		pm.StartPeriodicUpdates(gctx, systemMetricsInterval)
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
	defer cancel()
	if serr := manager.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("Job manager shutdown", "error", serr)
	}

	logger.Info("Server stopped")
	return runErr
}

func printStartupInfo(w io.Writer, cfg *config.Config) {
	scheme := "http"
	if cfg.API.TLS.Enabled {
		scheme = "https"
	}
	fmt.Fprintf(w, "postalscan %s\n", getVersion())
	fmt.Fprintf(w, "API:     %s://%s/api/v1\n", scheme, cfg.GetAPIAddress())
	fmt.Fprintf(w, "Metrics: %s://%s/metrics\n", scheme, cfg.GetAPIAddress())
	fmt.Fprintf(w, "Store:   %s\n", cfg.Jobs.Store)
	if len(cfg.API.APIKeys) == 0 {
		fmt.Fprintln(w, "Auth:    disabled (no api.api_keys configured)")
	}
}
