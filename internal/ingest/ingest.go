// Package ingest turns raw (network, postal code) pairs into the validated,
// deduplicated and capped set of network records a scan job works on.
//
// Bad records never abort a batch. Each one is recorded in the Report with
// the reason it was skipped, so callers can surface per-record diagnostics
// while still scanning everything that was usable.
package ingest

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/multierr"

	"github.com/anstrom/postalscan/internal/errors"
)

// RawRecord is one unvalidated input row.
type RawRecord struct {
	Network    string `json:"network"`
	PostalCode string `json:"postal_code"`
}

// NetworkRecord is a validated network and the postal code it belongs to.
type NetworkRecord struct {
	Network    netip.Prefix `json:"network"`
	PostalCode string       `json:"postal_code"`
}

// Size returns the number of addresses in the record's network, saturating
// at 1<<62 for very large IPv6 prefixes.
func (r NetworkRecord) Size() uint64 {
	hostBits := r.Network.Addr().BitLen() - r.Network.Bits()
	if hostBits >= 62 {
		return 1 << 62
	}
	return 1 << uint(hostBits)
}

// IssueKind classifies why a record was not accepted.
type IssueKind string

const (
	IssueInvalidNetwork IssueKind = "invalid_network"
	IssueMissingPostal  IssueKind = "missing_postal_code"
	IssueConflict       IssueKind = "postal_code_conflict"
	IssuePrivate        IssueKind = "private_network"
)

// Issue describes a single rejected record.
type Issue struct {
	Index      int       `json:"index"`
	Network    string    `json:"network"`
	PostalCode string    `json:"postal_code"`
	Kind       IssueKind `json:"kind"`
	Reason     string    `json:"reason"`
}

// Report summarizes an ingestion run.
type Report struct {
	Total      int     `json:"total"`
	Accepted   int     `json:"accepted"`
	Skipped    int     `json:"skipped"`
	Duplicates int     `json:"duplicates"`
	Conflicts  int     `json:"conflicts"`
	Dropped    int     `json:"dropped"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Err combines every issue into a single error, or returns nil when the
// batch was clean.
func (r Report) Err() error {
	return r.ErrLimit(len(r.Issues))
}

// ErrLimit is like Err but names at most limit issues and summarizes the
// rest in a trailing error.
func (r Report) ErrLimit(limit int) error {
	var err error
	for i, issue := range r.Issues {
		if i >= limit {
			err = multierr.Append(err, fmt.Errorf("and %d more rejected records", len(r.Issues)-i))
			break
		}
		err = multierr.Append(err, errors.NewValidationError(
			fmt.Sprintf("records[%d]", issue.Index),
			fmt.Sprintf("%s: %s", issue.Network, issue.Reason),
			issue.Network,
		))
	}
	return err
}

// Options controls ingestion.
type Options struct {
	// MaxNetworks caps the accepted set in first-seen order. Zero means no cap.
	MaxNetworks int
	// SkipPrivate rejects networks that overlap private, loopback or
	// link-local address space.
	SkipPrivate bool
}

var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("::1/128"),
}

// IsPrivate reports whether p overlaps non-public address space.
func IsPrivate(p netip.Prefix) bool {
	for _, np := range nonPublic {
		if p.Overlaps(np) {
			return true
		}
	}
	return false
}

// ParseNetwork parses a CIDR block, or a bare address as a single-host block,
// and returns it in canonical masked form.
func ParseNetwork(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("empty network")
	}
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("IPv4-mapped IPv6 prefixes are not supported")
	}
	return p.Masked(), nil
}

// Ingest validates, deduplicates and caps raw records. It never fails; every
// rejected record is listed in the returned Report.
func Ingest(raw []RawRecord, opts Options) ([]NetworkRecord, Report) {
	report := Report{Total: len(raw)}
	seen := make(map[netip.Prefix]string, len(raw))
	accepted := make([]NetworkRecord, 0, len(raw))

	reject := func(i int, r RawRecord, kind IssueKind, reason string) {
		report.Issues = append(report.Issues, Issue{
			Index:      i,
			Network:    r.Network,
			PostalCode: r.PostalCode,
			Kind:       kind,
			Reason:     reason,
		})
	}

	for i, r := range raw {
		postal := strings.TrimSpace(r.PostalCode)
		network, err := ParseNetwork(r.Network)
		if err != nil {
			report.Skipped++
			reject(i, r, IssueInvalidNetwork, err.Error())
			continue
		}
		if postal == "" {
			report.Skipped++
			reject(i, r, IssueMissingPostal, "postal code is empty")
			continue
		}
		if opts.SkipPrivate && IsPrivate(network) {
			report.Skipped++
			reject(i, r, IssuePrivate, "network overlaps private address space")
			continue
		}

		if existing, ok := seen[network]; ok {
			if existing == postal {
				report.Duplicates++
				continue
			}
			report.Conflicts++
			reject(i, r, IssueConflict,
				fmt.Sprintf("network already assigned to postal code %q", existing))
			continue
		}

		seen[network] = postal
		accepted = append(accepted, NetworkRecord{Network: network, PostalCode: postal})
	}

	if opts.MaxNetworks > 0 && len(accepted) > opts.MaxNetworks {
		report.Dropped = len(accepted) - opts.MaxNetworks
		accepted = accepted[:opts.MaxNetworks]
	}
	report.Accepted = len(accepted)

	return accepted, report
}

// PostalIndex maps each network to its postal code.
func PostalIndex(records []NetworkRecord) map[netip.Prefix]string {
	idx := make(map[netip.Prefix]string, len(records))
	for _, r := range records {
		idx[r.Network] = r.PostalCode
	}
	return idx
}
