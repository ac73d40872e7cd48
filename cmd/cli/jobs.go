package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/postalscan/internal/api/handlers"
	"github.com/anstrom/postalscan/internal/export"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
)

const defaultPollInterval = 2 * time.Second

// jobs command flags.
var (
	jobsServer   string
	jobsOutput   string
	submitOpts   scanOptions
	submitRef    string
	submitWait   bool
	listStatus   []string
	listLimit    int
	minRate      float64
	pollInterval time.Duration
	jobsExport   string
)

// jobsCmd groups the commands that talk to a running server.
var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "Submit and inspect scan jobs on a running server",
	Long: `Submit and inspect scan jobs on a running postalscan server.

The server address defaults to the api section of the config file and can be
set with --server or POSTALSCAN_SERVER. When the server requires
authentication, set POSTALSCAN_API_KEY or POSTALSCAN_API_KEY_FILE.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a scan job",
	Example: `  postalscan jobs submit --file networks.csv --simulate
  postalscan jobs submit --input-ref region-north.csv --port 443 --bandwidth 50M --wait`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and, once completed, its statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, "get job", func(ctx context.Context, c *APIClient) error {
			var rec jobs.JobRecord
			if err := c.Get(ctx, "/scans/"+url.PathEscape(args[0]), &rec); err != nil {
				return err
			}
			if jobsOutput == outputJSON {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			printJob(cmd.OutOrStdout(), &rec)
			return nil
		})
	},
}

var jobsResultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Show the availability statistics of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, "get results", func(ctx context.Context, c *APIClient) error {
			endpoint := "/scans/" + url.PathEscape(args[0]) + "/availability" + minRateQuery()
			var resp handlers.AvailabilityResponse
			if err := c.Get(ctx, endpoint, &resp); err != nil {
				return err
			}
			if jobsOutput == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printStatsTable(cmd.OutOrStdout(), resp.Stats)
			return nil
		})
	},
}

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Download a completed job's results CSV and availability JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, "export job", func(ctx context.Context, c *APIClient) error {
			id := url.PathEscape(args[0])
			var avail handlers.AvailabilityResponse
			if err := c.Get(ctx, "/scans/"+id+"/availability", &avail); err != nil {
				return err
			}
			var networks handlers.NetworksResponse
			if err := c.Get(ctx, "/scans/"+id+"/networks", &networks); err != nil {
				return err
			}
			var results handlers.ResultsResponse
			if err := c.Get(ctx, "/scans/"+id+"/results", &results); err != nil {
				return err
			}

			paths, err := export.ToDir(jobsExport, args[0], networks.Networks, results.Results, avail.Stats, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Results written to %s\n", paths.Results)
			fmt.Fprintf(cmd.OutOrStdout(), "Availability written to %s\n", paths.Availability)
			return nil
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a created or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, "cancel job", func(ctx context.Context, c *APIClient) error {
			if err := c.Post(ctx, "/scans/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
			return nil
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, "list jobs", func(ctx context.Context, c *APIClient) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(listLimit))
			if len(listStatus) > 0 {
				q.Set("status", strings.Join(listStatus, ","))
			}
			var resp handlers.ListResponse
			if err := c.Get(ctx, "/scans?"+q.Encode(), &resp); err != nil {
				return err
			}
			if jobsOutput == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printJobsTable(cmd.OutOrStdout(), resp.Jobs)
			return nil
		})
	},
}

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Poll a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, "wait for job", func(ctx context.Context, c *APIClient) error {
			return waitAndPrint(ctx, cmd, c, args[0])
		})
	},
}

var availabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Show availability summed over all completed jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, "get availability", func(ctx context.Context, c *APIClient) error {
			var resp handlers.AvailabilityResponse
			if err := c.Get(ctx, "/availability"+minRateQuery(), &resp); err != nil {
				return err
			}
			if jobsOutput == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printStatsTable(cmd.OutOrStdout(), resp.Stats)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsResultsCmd, jobsExportCmd,
		jobsCancelCmd, jobsListCmd, jobsWaitCmd, availabilityCmd)

	pf := jobsCmd.PersistentFlags()
	pf.StringVar(&jobsServer, "server", "", "Server base URL, e.g. http://127.0.0.1:8080")
	pf.StringVarP(&jobsOutput, "output", "o", outputTable, "Output format: table or json")
	pf.DurationVar(&pollInterval, "interval", defaultPollInterval, "Polling interval for --wait and wait")

	f := jobsSubmitCmd.Flags()
	f.StringVar(&submitOpts.input, "file", "", "Local CSV file sent inline as the network list")
	f.StringVar(&submitRef, "input-ref", "", "CSV file name resolved under the server's jobs.input_dir")
	addJobFlags(f, &submitOpts)
	f.BoolVar(&submitWait, "wait", false, "Wait for the job to finish and print its statistics")
	jobsSubmitCmd.MarkFlagsMutuallyExclusive("file", "input-ref")
	jobsSubmitCmd.MarkFlagsOneRequired("file", "input-ref")

	jobsListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Filter by status (created, running, completed, failed)")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum number of jobs")

	jobsResultsCmd.Flags().Float64Var(&minRate, "min-rate", 0, "Only show postal codes at or above this response rate in percent")
	availabilityCmd.Flags().Float64Var(&minRate, "min-rate", 0, "Only show postal codes at or above this response rate in percent")

	jobsExportCmd.Flags().StringVar(&jobsExport, "dir", ".", "Directory to write the export files to")
}

// withClient builds an API client from the config, flags and environment
// and runs fn with it.
func withClient(cmd *cobra.Command, operation string, fn func(context.Context, *APIClient) error) error {
	if err := validateOutput(jobsOutput); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	server := jobsServer
	if server == "" {
		server = viper.GetString("server")
	}
	client, err := NewAPIClient(cfg, server, getAPIKeyFromSources(viper.GetViper()))
	if err != nil {
		return err
	}

	if err := fn(cmd.Context(), client); err != nil {
		return describeAPIError(err, operation)
	}
	return nil
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := jobs.SubmitRequest{
		ID:             submitOpts.id,
		InputReference: submitRef,
		Description:    submitOpts.description,
		Parameters:     scanParameters(submitOpts, cfg.Scanning.DefaultPort, cfg.Scanning.DefaultBandwidth),
	}
	if submitOpts.input != "" {
		networks, err := readNetworksFile(submitOpts.input)
		if err != nil {
			return err
		}
		req.Networks = networks
	}

	return withClient(cmd, "submit job", func(ctx context.Context, c *APIClient) error {
		var resp handlers.SubmitResponse
		if err := c.Post(ctx, "/scans", req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (%s)\n", resp.ID, resp.Status)
		if !submitWait {
			return nil
		}
		return waitAndPrint(ctx, cmd, c, resp.ID)
	})
}

// readNetworksFile reads a local CSV so it can be sent inline.
func readNetworksFile(path string) ([]ingest.RawRecord, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied input file
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer func() { _ = f.Close() }()

	records, err := ingest.ReadCSV(f)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []ingest.RawRecord{}
	}
	return records, nil
}

// waitAndPrint polls the job until it is terminal and prints it.
func waitAndPrint(ctx context.Context, cmd *cobra.Command, c *APIClient, id string) error {
	rec, err := pollJob(ctx, c, id, pollInterval)
	if err != nil {
		return err
	}
	if jobsOutput == outputJSON {
		if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
	} else {
		printJob(cmd.OutOrStdout(), rec)
	}
	if rec.Job.Status == jobs.StatusFailed {
		return fmt.Errorf("job %s failed: %s", rec.Job.ID, rec.Job.Error)
	}
	return nil
}

// pollJob fetches the job every interval until it is completed or failed.
func pollJob(ctx context.Context, c *APIClient, id string, interval time.Duration) (*jobs.JobRecord, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var rec jobs.JobRecord
		if err := c.Get(ctx, "/scans/"+url.PathEscape(id), &rec); err != nil {
			return nil, err
		}
		if rec.Job.Status.IsTerminal() {
			return &rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func minRateQuery() string {
	if minRate <= 0 {
		return ""
	}
	return "?min_rate=" + strconv.FormatFloat(minRate, 'f', -1, 64)
}
