package scanning

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"
	"slices"

	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/probe"
)

// Candidates returns the addresses to probe for a network record. Networks
// with at most ceiling addresses are enumerated in full, including network
// and broadcast addresses. Larger networks yield ceiling distinct addresses
// chosen pseudo-randomly from (network, seed) and returned in address order.
//
// Callers pass the job's Parameters.Seed rather than its id, so two jobs
// submitted with the same seed sample the same addresses. A job id keyed
// sample would differ on every resubmission.
func Candidates(record ingest.NetworkRecord, ceiling int, seed uint64) []netip.Addr {
	base := record.Network.Masked().Addr()
	size := record.Size()

	if ceiling <= 0 || size <= uint64(ceiling) {
		out := make([]netip.Addr, 0, size)
		addr := base
		for i := uint64(0); i < size; i++ {
			out = append(out, addr)
			addr = addr.Next()
		}
		return out
	}

	rng := rand.New(rand.NewPCG(seed, probe.Hash(seed, base, uint64(record.Network.Bits()))))

	picked := make(map[uint64]struct{}, ceiling)
	offsets := make([]uint64, 0, ceiling)
	for len(offsets) < ceiling {
		off := rng.Uint64N(size)
		if _, dup := picked[off]; dup {
			continue
		}
		picked[off] = struct{}{}
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)

	out := make([]netip.Addr, 0, ceiling)
	for _, off := range offsets {
		out = append(out, addOffset(base, off))
	}
	return out
}

// addOffset returns base+off. Callers keep off within the network's size.
func addOffset(base netip.Addr, off uint64) netip.Addr {
	if base.Is4() {
		b := base.As4()
		v := binary.BigEndian.Uint32(b[:]) + uint32(off)
		binary.BigEndian.PutUint32(b[:], v)
		return netip.AddrFrom4(b)
	}

	b := base.As16()
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	sum := lo + off
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(b[:8], hi)
	binary.BigEndian.PutUint64(b[8:], sum)
	return netip.AddrFrom16(b).WithZone(base.Zone())
}
