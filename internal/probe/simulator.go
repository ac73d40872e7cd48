package probe

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultSimulatedRate matches the response rate of the legacy simulation mode.
const DefaultSimulatedRate = 0.25

const rateScale = 1 << 16

// Simulator answers probes with a pure function of (address, port, seed).
type Simulator struct {
	Seed uint64
	// ResponseRate is the fraction of addresses reported reachable.
	ResponseRate float64
	// Latency, when set, is waited before answering so pacing and
	// cancellation behave as they would against a live network.
	Latency time.Duration
}

// NewSimulator returns a simulator with the default response rate.
func NewSimulator(seed uint64) *Simulator {
	return &Simulator{Seed: seed, ResponseRate: DefaultSimulatedRate}
}

// Probe implements Prober.
func (s *Simulator) Probe(ctx context.Context, addr netip.Addr, port int) (Outcome, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Unknown, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Unknown, err
	}

	if s.Answer(addr, port) {
		return Reachable, nil
	}
	return Unreachable, nil
}

// Answer is the deterministic reachability verdict for addr:port.
func (s *Simulator) Answer(addr netip.Addr, port int) bool {
	threshold := uint64(s.ResponseRate * rateScale)
	return Hash(s.Seed, addr, uint64(port))%rateScale < threshold
}

// Hash mixes a seed, an address and a discriminator into a stable 64-bit value.
func Hash(seed uint64, addr netip.Addr, extra uint64) uint64 {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], seed)
	binary.BigEndian.PutUint64(buf[8:16], extra)
	a16 := addr.As16()
	copy(buf[16:], a16[:])
	return xxhash.Sum64(buf[:])
}
