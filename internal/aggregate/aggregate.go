// Package aggregate folds probe results into per-postal-code availability
// statistics.
package aggregate

import (
	"net/netip"
	"sort"

	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/scanning"
)

// AvailabilityStat is the reachability summary of one postal code within a
// job. 0 <= HostsResponsive <= HostsSampled holds for every stat.
type AvailabilityStat struct {
	PostalCode      string  `json:"postal_code" db:"postal_code"`
	NetworksScanned int     `json:"networks_scanned" db:"networks_scanned"`
	HostsSampled    int     `json:"hosts_sampled" db:"hosts_sampled"`
	HostsResponsive int     `json:"hosts_responsive" db:"hosts_responsive"`
	ResponseRate    float64 `json:"response_rate" db:"response_rate"`
}

type resultKey struct {
	network netip.Prefix
	addr    netip.Addr
}

type tally struct {
	networks   map[netip.Prefix]struct{}
	sampled    int
	responsive int
}

// Aggregate computes one AvailabilityStat per postal code in records.
//
// Results whose network is not in records are ignored and a repeated
// (network, address) pair is counted once, as responsive if any copy is.
// Postal codes without any
// sampled host are reported with zero counts. The output is sorted by postal
// code and does not depend on the order of results.
func Aggregate(records []ingest.NetworkRecord, results []scanning.ProbeResult) []AvailabilityStat {
	postal := ingest.PostalIndex(records)

	tallies := make(map[string]*tally)
	for _, r := range records {
		if _, ok := tallies[r.PostalCode]; !ok {
			tallies[r.PostalCode] = &tally{networks: make(map[netip.Prefix]struct{})}
		}
	}

	seen := make(map[resultKey]bool, len(results))
	for _, res := range results {
		if _, ok := postal[res.Network]; !ok {
			continue
		}
		key := resultKey{network: res.Network, addr: res.Address}
		seen[key] = seen[key] || res.Responsive
	}

	for key, responsive := range seen {
		t := tallies[postal[key.network]]
		t.networks[key.network] = struct{}{}
		t.sampled++
		if responsive {
			t.responsive++
		}
	}

	stats := make([]AvailabilityStat, 0, len(tallies))
	for code, t := range tallies {
		stats = append(stats, newStat(code, len(t.networks), t.sampled, t.responsive))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].PostalCode < stats[j].PostalCode
	})
	return stats
}

// Merge sums stats sharing a postal code and recomputes their rates. It is
// used for overviews spanning several jobs.
func Merge(groups ...[]AvailabilityStat) []AvailabilityStat {
	byCode := make(map[string]*AvailabilityStat)
	for _, group := range groups {
		for _, s := range group {
			acc, ok := byCode[s.PostalCode]
			if !ok {
				acc = &AvailabilityStat{PostalCode: s.PostalCode}
				byCode[s.PostalCode] = acc
			}
			acc.NetworksScanned += s.NetworksScanned
			acc.HostsSampled += s.HostsSampled
			acc.HostsResponsive += s.HostsResponsive
		}
	}

	out := make([]AvailabilityStat, 0, len(byCode))
	for _, acc := range byCode {
		out = append(out, newStat(acc.PostalCode, acc.NetworksScanned, acc.HostsSampled, acc.HostsResponsive))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PostalCode < out[j].PostalCode
	})
	return out
}

// Filter returns the stats whose response rate, in percent, is at least
// minPercent.
func Filter(stats []AvailabilityStat, minPercent float64) []AvailabilityStat {
	out := make([]AvailabilityStat, 0, len(stats))
	for _, s := range stats {
		if s.ResponseRate*100 >= minPercent {
			out = append(out, s)
		}
	}
	return out
}

func newStat(code string, networks, sampled, responsive int) AvailabilityStat {
	s := AvailabilityStat{
		PostalCode:      code,
		NetworksScanned: networks,
		HostsSampled:    sampled,
		HostsResponsive: responsive,
	}
	if sampled > 0 {
		s.ResponseRate = float64(responsive) / float64(sampled)
	}
	return s
}
