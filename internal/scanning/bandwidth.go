package scanning

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultProbeBits is the on-wire size of a minimal TCP SYN probe:
// a 64 byte Ethernet frame plus preamble and inter-frame gap.
const DefaultProbeBits = 84 * 8

// MinProbeRate is the lowest accepted rate in probes per second.
const MinProbeRate = 1.0

// ParseBandwidth converts a bandwidth cap into a probe rate in probes per
// second. probeBits is the wire size of one probe for bit-rate expressions.
// Rates that are not finite or fall below MinProbeRate are rejected.
func ParseBandwidth(expr string, probeBits int) (float64, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return 0, fmt.Errorf("bandwidth cap is empty")
	}
	if probeBits <= 0 {
		probeBits = DefaultProbeBits
	}

	lower := strings.ToLower(s)
	if strings.HasSuffix(lower, "pps") {
		n, err := strconv.ParseFloat(strings.TrimSpace(lower[:len(lower)-3]), 64)
		if err != nil || !finitePositive(n) {
			return 0, fmt.Errorf("invalid probe rate %q", expr)
		}
		return checkMinRate(expr, n)
	}

	lower = strings.TrimSuffix(lower, "bps")
	multiplier := 1.0
	if lower != "" {
		switch lower[len(lower)-1] {
		case 'k':
			multiplier = 1e3
		case 'm':
			multiplier = 1e6
		case 'g':
			multiplier = 1e9
		}
		if multiplier != 1 {
			lower = lower[:len(lower)-1]
		}
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(lower), 64)
	if err != nil || !finitePositive(n) {
		return 0, fmt.Errorf("invalid bandwidth cap %q", expr)
	}

	rate := n * multiplier / float64(probeBits)
	if math.IsInf(rate, 0) {
		return 0, fmt.Errorf("invalid bandwidth cap %q", expr)
	}
	return checkMinRate(expr, rate)
}

func finitePositive(n float64) bool {
	return n > 0 && !math.IsNaN(n) && !math.IsInf(n, 0)
}

func checkMinRate(expr string, rate float64) (float64, error) {
	if rate < MinProbeRate {
		return 0, fmt.Errorf("bandwidth cap %q is below one probe per second", expr)
	}
	return rate, nil
}

// ValidBandwidth reports whether expr parses as a bandwidth cap.
func ValidBandwidth(expr string) bool {
	_, err := ParseBandwidth(expr, DefaultProbeBits)
	return err == nil
}
