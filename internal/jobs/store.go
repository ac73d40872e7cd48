package jobs

import (
	"context"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/scanning"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/postalscan/internal/jobs Store

// Store persists jobs and their results.
//
// Every method is atomic on its own and safe to retry. Implementations return
// errors.CodeNotFound for unknown ids, errors.CodeConflict when Create hits an
// existing id and one of the retryable database codes for transient failures.
type Store interface {
	// Create stores a new job and returns its id.
	Create(ctx context.Context, job ScanJob) (string, error)
	// UpdateStatus records a status change.
	UpdateStatus(ctx context.Context, id string, update JobUpdate) error
	// SaveNetworks records the ingested networks of a job. Re-saving the same
	// networks is a no-op.
	SaveNetworks(ctx context.Context, id string, records []ingest.NetworkRecord) error
	// Networks returns the networks saved for a job in address order.
	Networks(ctx context.Context, id string) ([]ingest.NetworkRecord, error)
	// AppendResults adds probe results. A result already stored under the
	// same (job, network, address) key is ignored.
	AppendResults(ctx context.Context, id string, results []scanning.ProbeResult) error
	// ReplaceStats swaps the job's statistics for stats.
	ReplaceStats(ctx context.Context, id string, stats []aggregate.AvailabilityStat) error
	// Get returns a job and its statistics.
	Get(ctx context.Context, id string) (*JobRecord, error)
	// List returns jobs, newest first.
	List(ctx context.Context, filter ListFilter) ([]ScanJob, error)
	// Results returns the raw probe results of a job ordered by network and
	// address.
	Results(ctx context.Context, id string) ([]scanning.ProbeResult, error)
	// Availability sums the statistics of all completed jobs per postal code.
	Availability(ctx context.Context) ([]aggregate.AvailabilityStat, error)
}
