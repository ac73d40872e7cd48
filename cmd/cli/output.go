package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/jobs"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	timeLayout  = "2006-01-02 15:04:05"
)

func validateOutput(format string) error {
	if format != outputTable && format != outputJSON {
		return fmt.Errorf("invalid output format %q (want table or json)", format)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStatsTable renders availability statistics with the rate in percent.
func printStatsTable(w io.Writer, stats []aggregate.AvailabilityStat) {
	table := tablewriter.NewWriter(w)
	table.Header("Postal Code", "Networks", "Sampled", "Responsive", "Response Rate")

	for _, s := range stats {
		_ = table.Append([]string{
			s.PostalCode,
			fmt.Sprint(s.NetworksScanned),
			fmt.Sprint(s.HostsSampled),
			fmt.Sprint(s.HostsResponsive),
			fmt.Sprintf("%.1f%%", s.ResponseRate*100),
		})
	}
	_ = table.Render()
}

// printJobsTable renders a job list, newest first as returned.
func printJobsTable(w io.Writer, list []jobs.ScanJob) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Status", "Port", "Bandwidth", "Created", "Duration", "Error")

	for i := range list {
		job := &list[i]
		_ = table.Append([]string{
			job.ID,
			string(job.Status),
			fmt.Sprint(job.Parameters.Port),
			job.Parameters.BandwidthCap,
			job.CreatedAt.Local().Format(timeLayout),
			formatDuration(job.StartedAt, job.CompletedAt),
			job.Error,
		})
	}
	_ = table.Render()
}

// printJob writes a one-job summary followed by its statistics, if any.
func printJob(w io.Writer, rec *jobs.JobRecord) {
	job := rec.Job
	fmt.Fprintf(w, "Job:       %s\n", job.ID)
	fmt.Fprintf(w, "Status:    %s\n", job.Status)
	if job.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", job.Error)
	}
	fmt.Fprintf(w, "Port:      %d\n", job.Parameters.Port)
	fmt.Fprintf(w, "Bandwidth: %s\n", job.Parameters.BandwidthCap)
	fmt.Fprintf(w, "Created:   %s\n", job.CreatedAt.Local().Format(timeLayout))
	if d := formatDuration(job.StartedAt, job.CompletedAt); d != "-" {
		fmt.Fprintf(w, "Duration:  %s\n", d)
	}
	if job.Ingest != nil {
		fmt.Fprintf(w, "Networks:  %d accepted, %d skipped, %d dropped by cap\n",
			job.Ingest.Accepted, job.Ingest.Skipped, job.Ingest.Dropped)
	}
	if len(rec.Stats) > 0 {
		fmt.Fprintln(w)
		printStatsTable(w, rec.Stats)
	}
}

func formatDuration(started, completed *time.Time) string {
	if started == nil || completed == nil {
		return "-"
	}
	return completed.Sub(*started).Round(time.Millisecond).String()
}
