package db

import (
	"context"
	"database/sql/driver"
	"net/netip"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/scanning"
)

var (
	created = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	started = created.Add(time.Second)

	jobColumns = []string{
		"id", "status", "port", "bandwidth_cap", "max_networks", "simulate", "seed", "skip_private",
		"description", "input_reference", "error_message", "ingest_report",
		"created_at", "started_at", "completed_at",
	}
	statColumns = []string{"postal_code", "networks_scanned", "hosts_sampled", "hosts_responsive", "response_rate"}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})
	return NewStore(&DB{DB: sqlx.NewDb(conn, "postgres")}), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func testJob() jobs.ScanJob {
	return jobs.ScanJob{
		ID:     "job-1",
		Status: jobs.StatusCreated,
		Parameters: jobs.Parameters{
			Port: 80, BandwidthCap: "10M", MaxNetworks: 100, Simulate: true, Seed: 42,
		},
		Description: "nightly",
		CreatedAt:   created,
	}
}

func jobRow(status string, report []byte, startedAt, completedAt driver.Value) []driver.Value {
	return []driver.Value{
		"job-1", status, 80, "10M", 100, true, int64(42), false,
		"nightly", "", "", report,
		created, startedAt, completedAt,
	}
}

func TestStore_Create(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(q("INSERT INTO scan_jobs")).
		WithArgs("job-1", "created", 80, "10M", 100, true, int64(42), false,
			"nightly", "", "", nil, created, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Create(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestStore_CreateConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(q("INSERT INTO scan_jobs")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.Create(context.Background(), testJob())
	assert.True(t, errors.IsConflict(err))
}

func TestStore_CreateRequiresID(t *testing.T) {
	s, _ := newMockStore(t)

	job := testJob()
	job.ID = ""
	_, err := s.Create(context.Background(), job)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	report := &ingest.Report{Total: 2, Accepted: 2}
	mock.ExpectExec(q("UPDATE scan_jobs")).
		WithArgs("job-1", "running", "", started, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateStatus(ctx, "job-1", jobs.JobUpdate{
		Status: jobs.StatusRunning, StartedAt: &started, Ingest: report,
	}))

	mock.ExpectExec(q("UPDATE scan_jobs")).
		WithArgs("missing", "failed", "canceled", nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.UpdateStatus(ctx, "missing", jobs.JobUpdate{Status: jobs.StatusFailed, Error: "canceled"})
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_SaveNetworks(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO scan_networks"))
	prep.ExpectExec().WithArgs("job-1", "10.0.0.0/30", "11111").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("job-1", "10.0.0.4/30", "22222").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.SaveNetworks(context.Background(), "job-1", []ingest.NetworkRecord{
		{Network: netip.MustParsePrefix("10.0.0.0/30"), PostalCode: "11111"},
		{Network: netip.MustParsePrefix("10.0.0.4/30"), PostalCode: "22222"},
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveNetworks(context.Background(), "job-1", nil), "empty input needs no round trip")
}

func TestStore_AppendResultsRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	probedAt := started.Add(time.Millisecond)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(q("INSERT INTO probe_results"))
	prep.ExpectExec().
		WithArgs("job-1", "10.0.0.0/30", "10.0.0.1", true, "", probedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("job-1", "10.0.0.0/30", "10.0.0.2", false, "timeout", probedAt).
		WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectRollback()

	err := s.AppendResults(context.Background(), "job-1", []scanning.ProbeResult{
		{Network: netip.MustParsePrefix("10.0.0.0/30"), Address: netip.MustParseAddr("10.0.0.1"), Responsive: true, ProbedAt: probedAt},
		{Network: netip.MustParsePrefix("10.0.0.0/30"), Address: netip.MustParseAddr("10.0.0.2"), Failure: "timeout", ProbedAt: probedAt},
	})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestStore_ReplaceStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM scan_jobs WHERE id = $1 FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectExec(q("DELETE FROM availability_stats")).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(q("INSERT INTO availability_stats")).
		WithArgs("job-1", "11111", 1, 4, 1, 0.25).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ReplaceStats(context.Background(), "job-1", []aggregate.AvailabilityStat{
		{PostalCode: "11111", NetworksScanned: 1, HostsSampled: 4, HostsResponsive: 1, ResponseRate: 0.25},
	})
	require.NoError(t, err)
}

func TestStore_ReplaceStatsUnknownJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := s.ReplaceStats(context.Background(), "missing", nil)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_Get(t *testing.T) {
	s, mock := newMockStore(t)

	completed := started.Add(time.Minute)
	mock.ExpectQuery(q("FROM scan_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(jobRow("completed", []byte(`{"total":2,"accepted":2}`), started, completed)...))
	mock.ExpectQuery(q("FROM availability_stats")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(statColumns).
			AddRow("11111", 1, 4, 1, 0.25).
			AddRow("22222", 1, 4, 0, 0.0))

	rec, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	assert.Equal(t, uint64(42), rec.Job.Parameters.Seed)
	assert.Equal(t, &started, rec.Job.StartedAt)
	assert.Equal(t, &completed, rec.Job.CompletedAt)
	require.NotNil(t, rec.Job.Ingest)
	assert.Equal(t, 2, rec.Job.Ingest.Accepted)
	require.Len(t, rec.Stats, 2)
	assert.Equal(t, "22222", rec.Stats[1].PostalCode)
}

func TestStore_GetMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM scan_jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumns))

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_List(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM scan_jobs WHERE status = ANY($1) ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs(sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(jobRow("failed", nil, nil, started)...))

	list, err := s.List(context.Background(), jobs.ListFilter{
		Status: []jobs.Status{jobs.StatusFailed},
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, jobs.StatusFailed, list[0].Status)
	assert.Nil(t, list[0].Ingest)
	assert.Nil(t, list[0].StartedAt)
}

func TestStore_ResultsAndNetworks(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("FROM probe_results")).WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"network", "address", "responsive", "failure", "probed_at"}).
			AddRow("10.0.0.0/30", "10.0.0.1/32", true, "", started))

	results, err := s.Results(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), results[0].Address)
	assert.True(t, results[0].Responsive)

	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("FROM scan_networks")).WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"network", "postal_code"}).
			AddRow("10.0.0.0/30", "11111"))

	networks, err := s.Networks(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []ingest.NetworkRecord{
		{Network: netip.MustParsePrefix("10.0.0.0/30"), PostalCode: "11111"},
	}, networks)

	mock.ExpectQuery(q("SELECT EXISTS")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = s.Results(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_Availability(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("JOIN scan_jobs j ON j.id = s.job_id")).
		WillReturnRows(sqlmock.NewRows(statColumns).
			AddRow("22222", 1, 4, 2, 0.5).
			AddRow("11111", 1, 4, 1, 0.25).
			AddRow("11111", 2, 8, 1, 0.125))

	stats, err := s.Availability(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, aggregate.AvailabilityStat{
		PostalCode: "11111", NetworksScanned: 3, HostsSampled: 12, HostsResponsive: 2, ResponseRate: 2.0 / 12,
	}, stats[0])
	assert.Equal(t, "22222", stats[1].PostalCode)
}
