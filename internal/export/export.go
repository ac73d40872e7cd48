// Package export writes finished job data to files: the raw probe results as
// CSV and the per-postal-code availability as JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/scanning"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// ResultsHeader is the column layout of the results CSV.
var ResultsHeader = []string{"network", "ip", "postal_code", "reachable"}

// Availability is the document written to the availability JSON file.
type Availability struct {
	JobID      string                       `json:"job_id"`
	ExportedAt time.Time                    `json:"exported_at"`
	Stats      []aggregate.AvailabilityStat `json:"stats"`
}

// Paths names the files written by ToDir.
type Paths struct {
	Results      string
	Availability string
}

// WriteResultsCSV writes one row per probe result. Results for networks not
// present in records are skipped. Rows are ordered by network then address.
func WriteResultsCSV(w io.Writer, records []ingest.NetworkRecord, results []scanning.ProbeResult) error {
	postal := ingest.PostalIndex(records)

	rows := make([]scanning.ProbeResult, 0, len(results))
	for _, r := range results {
		if _, ok := postal[r.Network]; ok {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := comparePrefix(rows[i].Network, rows[j].Network); c != 0 {
			return c < 0
		}
		return rows[i].Address.Less(rows[j].Address)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(ResultsHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range rows {
		reachable := "0"
		if r.Responsive {
			reachable = "1"
		}
		if err := cw.Write([]string{r.Network.String(), r.Address.String(), postal[r.Network], reachable}); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAvailabilityJSON writes stats as an indented Availability document.
func WriteAvailabilityJSON(w io.Writer, jobID string, stats []aggregate.AvailabilityStat, at time.Time) error {
	if stats == nil {
		stats = []aggregate.AvailabilityStat{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Availability{JobID: jobID, ExportedAt: at.UTC(), Stats: stats})
}

// ToDir writes scan_<id>_results.csv and scan_<id>_availability.json under
// dir, creating it if needed.
func ToDir(dir, jobID string, records []ingest.NetworkRecord, results []scanning.ProbeResult,
	stats []aggregate.AvailabilityStat, at time.Time) (Paths, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return Paths{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	name := filepath.Base(jobID)
	paths := Paths{
		Results:      filepath.Join(dir, "scan_"+name+"_results.csv"),
		Availability: filepath.Join(dir, "scan_"+name+"_availability.json"),
	}

	if err := writeFile(paths.Results, func(w io.Writer) error {
		return WriteResultsCSV(w, records, results)
	}); err != nil {
		return Paths{}, err
	}
	if err := writeFile(paths.Availability, func(w io.Writer) error {
		return WriteAvailabilityJSON(w, jobID, stats, at)
	}); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm) //nolint:gosec // operator-chosen directory
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if err := fn(f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
