// Package probe defines the reachability capability used by the scheduler
// and its two implementations: an nmap-backed prober for live scans and a
// deterministic simulator for tests and dry runs.
package probe

import (
	"context"
	"net/netip"
)

// Outcome is the answer to a single reachability question.
type Outcome int

const (
	// Unknown means the capability ran but could not decide.
	Unknown Outcome = iota
	Reachable
	Unreachable
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Prober answers whether addr accepts connections on port.
//
// Implementations return a *errors.CapabilityError when the probing
// mechanism itself failed, and the context error when ctx expired first.
// Any other outcome, including Unknown, is an answer about the address.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr, port int) (Outcome, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr netip.Addr, port int) (Outcome, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, addr netip.Addr, port int) (Outcome, error) {
	return f(ctx, addr, port)
}
