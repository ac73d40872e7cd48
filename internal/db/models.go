package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/scanning"
)

// NetworkAddr wraps netip.Prefix to implement PostgreSQL CIDR type.
type NetworkAddr struct {
	netip.Prefix
}

// Scan implements sql.Scanner for PostgreSQL CIDR type.
func (n *NetworkAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into NetworkAddr", value)
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return fmt.Errorf("failed to parse CIDR: %w", err)
	}
	n.Prefix = prefix
	return nil
}

// Value implements driver.Valuer for PostgreSQL CIDR type.
func (n NetworkAddr) Value() (driver.Value, error) {
	if !n.IsValid() {
		return nil, nil
	}
	return n.Prefix.String(), nil
}

// IPAddr wraps netip.Addr to implement PostgreSQL INET type.
type IPAddr struct {
	netip.Addr
}

// Scan implements sql.Scanner for PostgreSQL INET type. Host masks that
// PostgreSQL appends to INET text are accepted.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}
	if prefix, err := netip.ParsePrefix(s); err == nil {
		ip.Addr = prefix.Addr()
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.Addr = addr
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if !ip.IsValid() {
		return nil, nil
	}
	return ip.Addr.String(), nil
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append(JSONB(nil), v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// scanJobRow is the scan_jobs table row.
type scanJobRow struct {
	ID             string     `db:"id"`
	Status         string     `db:"status"`
	Port           int        `db:"port"`
	BandwidthCap   string     `db:"bandwidth_cap"`
	MaxNetworks    int        `db:"max_networks"`
	Simulate       bool       `db:"simulate"`
	Seed           int64      `db:"seed"`
	SkipPrivate    bool       `db:"skip_private"`
	Description    string     `db:"description"`
	InputReference string     `db:"input_reference"`
	ErrorMessage   string     `db:"error_message"`
	IngestReport   JSONB      `db:"ingest_report"`
	CreatedAt      time.Time  `db:"created_at"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

// The seed column is BIGINT; seeds are stored bit for bit.
func newScanJobRow(job jobs.ScanJob) (scanJobRow, error) {
	report, err := marshalReport(job.Ingest)
	if err != nil {
		return scanJobRow{}, err
	}
	p := job.Parameters
	return scanJobRow{
		ID:             job.ID,
		Status:         string(job.Status),
		Port:           p.Port,
		BandwidthCap:   p.BandwidthCap,
		MaxNetworks:    p.MaxNetworks,
		Simulate:       p.Simulate,
		Seed:           int64(p.Seed),
		SkipPrivate:    p.SkipPrivate,
		Description:    job.Description,
		InputReference: job.InputReference,
		ErrorMessage:   job.Error,
		IngestReport:   report,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}, nil
}

func (r scanJobRow) toJob() (jobs.ScanJob, error) {
	job := jobs.ScanJob{
		ID:     r.ID,
		Status: jobs.Status(r.Status),
		Parameters: jobs.Parameters{
			Port:         r.Port,
			BandwidthCap: r.BandwidthCap,
			MaxNetworks:  r.MaxNetworks,
			Simulate:     r.Simulate,
			Seed:         uint64(r.Seed),
			SkipPrivate:  r.SkipPrivate,
		},
		Description:    r.Description,
		InputReference: r.InputReference,
		Error:          r.ErrorMessage,
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      utcPtr(r.StartedAt),
		CompletedAt:    utcPtr(r.CompletedAt),
	}
	if len(r.IngestReport) > 0 {
		var report ingest.Report
		if err := json.Unmarshal(r.IngestReport, &report); err != nil {
			return jobs.ScanJob{}, fmt.Errorf("failed to decode ingest report of job %s: %w", r.ID, err)
		}
		job.Ingest = &report
	}
	return job, nil
}

func marshalReport(report *ingest.Report) (JSONB, error) {
	if report == nil {
		return nil, nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ingest report: %w", err)
	}
	return JSONB(data), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// networkRow is the scan_networks table row.
type networkRow struct {
	Network    NetworkAddr `db:"network"`
	PostalCode string      `db:"postal_code"`
}

// probeResultRow is the probe_results table row.
type probeResultRow struct {
	Network    NetworkAddr `db:"network"`
	Address    IPAddr      `db:"address"`
	Responsive bool        `db:"responsive"`
	Failure    string      `db:"failure"`
	ProbedAt   time.Time   `db:"probed_at"`
}

func (r probeResultRow) toResult() scanning.ProbeResult {
	return scanning.ProbeResult{
		Network:    r.Network.Prefix,
		Address:    r.Address.Addr,
		Responsive: r.Responsive,
		Failure:    r.Failure,
		ProbedAt:   r.ProbedAt.UTC(),
	}
}

// statRow is the availability_stats table row and the shape of the
// cross-job availability query.
type statRow struct {
	PostalCode      string  `db:"postal_code"`
	NetworksScanned int     `db:"networks_scanned"`
	HostsSampled    int     `db:"hosts_sampled"`
	HostsResponsive int     `db:"hosts_responsive"`
	ResponseRate    float64 `db:"response_rate"`
}

func (r statRow) toStat() aggregate.AvailabilityStat {
	return aggregate.AvailabilityStat{
		PostalCode:      r.PostalCode,
		NetworksScanned: r.NetworksScanned,
		HostsSampled:    r.HostsSampled,
		HostsResponsive: r.HostsResponsive,
		ResponseRate:    r.ResponseRate,
	}
}
