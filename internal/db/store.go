package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/scanning"
)

const (
	insertJobQuery = `
		INSERT INTO scan_jobs (
			id, status, port, bandwidth_cap, max_networks, simulate, seed, skip_private,
			description, input_reference, error_message, ingest_report,
			created_at, started_at, completed_at
		) VALUES (
			:id, :status, :port, :bandwidth_cap, :max_networks, :simulate, :seed, :skip_private,
			:description, :input_reference, :error_message, :ingest_report,
			:created_at, :started_at, :completed_at
		)`

	updateStatusQuery = `
		UPDATE scan_jobs
		SET status = $2, error_message = $3, started_at = $4, completed_at = $5,
		    ingest_report = COALESCE($6, ingest_report)
		WHERE id = $1`

	insertNetworkQuery = `
		INSERT INTO scan_networks (job_id, network, postal_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, network) DO NOTHING`

	insertResultQuery = `
		INSERT INTO probe_results (job_id, network, address, responsive, failure, probed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, network, address) DO NOTHING`

	lockJobQuery = `SELECT id FROM scan_jobs WHERE id = $1 FOR UPDATE`

	deleteStatsQuery = `DELETE FROM availability_stats WHERE job_id = $1`

	insertStatQuery = `
		INSERT INTO availability_stats (
			job_id, postal_code, networks_scanned, hosts_sampled, hosts_responsive, response_rate
		) VALUES ($1, $2, $3, $4, $5, $6)`

	selectJobColumns = `
		id, status, port, bandwidth_cap, max_networks, simulate, seed, skip_private,
		description, input_reference, error_message, ingest_report,
		created_at, started_at, completed_at`

	selectStatsQuery = `
		SELECT postal_code, networks_scanned, hosts_sampled, hosts_responsive, response_rate
		FROM availability_stats
		WHERE job_id = $1
		ORDER BY postal_code`

	jobExistsQuery = `SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE id = $1)`

	selectResultsQuery = `
		SELECT network, address, responsive, failure, probed_at
		FROM probe_results
		WHERE job_id = $1
		ORDER BY network, address`

	selectNetworksQuery = `
		SELECT network, postal_code
		FROM scan_networks
		WHERE job_id = $1
		ORDER BY network`

	selectAvailabilityQuery = `
		SELECT s.postal_code, s.networks_scanned, s.hosts_sampled, s.hosts_responsive, s.response_rate
		FROM availability_stats s
		JOIN scan_jobs j ON j.id = s.job_id
		WHERE j.status = 'completed'`
)

// Store is the PostgreSQL implementation of jobs.Store.
type Store struct {
	db     *DB
	logger *logging.Logger
}

var _ jobs.Store = (*Store)(nil)

// NewStore creates a store on an open connection.
func NewStore(db *DB) *Store {
	return &Store{db: db, logger: logging.Default().WithComponent("db")}
}

// withTx runs fn in a transaction that is committed when fn succeeds.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError(operation, err)
	}
	defer func() {
		// Rollback after a successful commit is a no-op.
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sanitizeDBError(operation, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, operation, id string) error {
	var found bool
	if err := s.db.GetContext(ctx, &found, jobExistsQuery, id); err != nil {
		return sanitizeDBError(operation, err)
	}
	if !found {
		return errors.ErrNotFoundWithID("scan job", id)
	}
	return nil
}

// Create implements jobs.Store.
func (s *Store) Create(ctx context.Context, job jobs.ScanJob) (string, error) {
	if job.ID == "" {
		return "", errors.NewValidationError("id", "job id is required", nil)
	}
	row, err := newScanJobRow(job)
	if err != nil {
		return "", err
	}
	if _, err := s.db.NamedExecContext(ctx, insertJobQuery, row); err != nil {
		return "", sanitizeDBError("create scan job", err)
	}
	return job.ID, nil
}

// UpdateStatus implements jobs.Store.
func (s *Store) UpdateStatus(ctx context.Context, id string, update jobs.JobUpdate) error {
	report, err := marshalReport(update.Ingest)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateStatusQuery,
		id, string(update.Status), update.Error, update.StartedAt, update.CompletedAt, report)
	if err != nil {
		return sanitizeDBError("update scan job status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sanitizeDBError("get rows affected", err)
	}
	if n == 0 {
		return errors.ErrNotFoundWithID("scan job", id)
	}
	return nil
}

// SaveNetworks implements jobs.Store.
func (s *Store) SaveNetworks(ctx context.Context, id string, records []ingest.NetworkRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.withTx(ctx, "save scan networks", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, insertNetworkQuery)
		if err != nil {
			return sanitizeDBError("prepare scan network insert", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, id, NetworkAddr{r.Network}, r.PostalCode); err != nil {
				return sanitizeDBError("insert scan network", err)
			}
		}
		return nil
	})
}

// AppendResults implements jobs.Store. Results already recorded for the
// same network and address are left untouched.
func (s *Store) AppendResults(ctx context.Context, id string, results []scanning.ProbeResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.withTx(ctx, "append probe results", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, insertResultQuery)
		if err != nil {
			return sanitizeDBError("prepare probe result insert", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range results {
			_, err := stmt.ExecContext(ctx, id,
				NetworkAddr{r.Network}, IPAddr{r.Address}, r.Responsive, r.Failure, r.ProbedAt)
			if err != nil {
				return sanitizeDBError("insert probe result", err)
			}
		}
		return nil
	})
}

// ReplaceStats implements jobs.Store.
func (s *Store) ReplaceStats(ctx context.Context, id string, stats []aggregate.AvailabilityStat) error {
	return s.withTx(ctx, "replace availability stats", func(tx *sqlx.Tx) error {
		var locked string
		if err := tx.GetContext(ctx, &locked, lockJobQuery, id); err != nil {
			if errors.IsNotFound(sanitizeDBError("lock scan job", err)) {
				return errors.ErrNotFoundWithID("scan job", id)
			}
			return sanitizeDBError("lock scan job", err)
		}
		if _, err := tx.ExecContext(ctx, deleteStatsQuery, id); err != nil {
			return sanitizeDBError("delete availability stats", err)
		}
		for _, st := range stats {
			_, err := tx.ExecContext(ctx, insertStatQuery, id,
				st.PostalCode, st.NetworksScanned, st.HostsSampled, st.HostsResponsive, st.ResponseRate)
			if err != nil {
				return sanitizeDBError("insert availability stat", err)
			}
		}
		return nil
	})
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (*jobs.JobRecord, error) {
	var row scanJobRow
	query := `SELECT ` + selectJobColumns + ` FROM scan_jobs WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		err = sanitizeDBError("get scan job", err)
		if errors.IsNotFound(err) {
			return nil, errors.ErrNotFoundWithID("scan job", id)
		}
		return nil, err
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	var rows []statRow
	if err := s.db.SelectContext(ctx, &rows, selectStatsQuery, id); err != nil {
		return nil, sanitizeDBError("get availability stats", err)
	}
	rec := &jobs.JobRecord{Job: job}
	for _, r := range rows {
		rec.Stats = append(rec.Stats, r.toStat())
	}
	return rec, nil
}

// List implements jobs.Store. Jobs are returned newest first.
func (s *Store) List(ctx context.Context, filter jobs.ListFilter) ([]jobs.ScanJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + selectJobColumns + ` FROM scan_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []scanJobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sanitizeDBError("list scan jobs", err)
	}
	out := make([]jobs.ScanJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			s.logger.Warn("Skipping unreadable scan job", "job_id", r.ID, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Results implements jobs.Store.
func (s *Store) Results(ctx context.Context, id string) ([]scanning.ProbeResult, error) {
	if err := s.exists(ctx, "get probe results", id); err != nil {
		return nil, err
	}
	var rows []probeResultRow
	if err := s.db.SelectContext(ctx, &rows, selectResultsQuery, id); err != nil {
		return nil, sanitizeDBError("get probe results", err)
	}
	out := make([]scanning.ProbeResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toResult())
	}
	return out, nil
}

// Networks implements jobs.Store.
func (s *Store) Networks(ctx context.Context, id string) ([]ingest.NetworkRecord, error) {
	if err := s.exists(ctx, "get scan networks", id); err != nil {
		return nil, err
	}
	var rows []networkRow
	if err := s.db.SelectContext(ctx, &rows, selectNetworksQuery, id); err != nil {
		return nil, sanitizeDBError("get scan networks", err)
	}
	out := make([]ingest.NetworkRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, ingest.NetworkRecord{Network: r.Network.Prefix, PostalCode: r.PostalCode})
	}
	return out, nil
}

// Availability implements jobs.Store.
func (s *Store) Availability(ctx context.Context) ([]aggregate.AvailabilityStat, error) {
	var rows []statRow
	if err := s.db.SelectContext(ctx, &rows, selectAvailabilityQuery); err != nil {
		return nil, sanitizeDBError("get availability", err)
	}
	stats := make([]aggregate.AvailabilityStat, 0, len(rows))
	for _, r := range rows {
		stats = append(stats, r.toStat())
	}
	return aggregate.Merge(stats), nil
}
