package probe

import (
	"context"
	stderrors "errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/logging"
)

// Scan techniques understood by NmapProber.
const (
	ScanConnect = "connect"
	ScanSYN     = "syn"
)

// NmapConfig configures the live prober.
type NmapConfig struct {
	// BinaryPath overrides the nmap lookup on PATH.
	BinaryPath string
	// ScanType is connect (unprivileged) or syn (requires root).
	ScanType string
	// HostTimeout bounds a single nmap invocation.
	HostTimeout time.Duration
}

// NmapProber asks nmap whether a single port is open on a single address.
type NmapProber struct {
	config NmapConfig
	logger *logging.Logger
}

// NewNmapProber creates a live prober.
func NewNmapProber(cfg NmapConfig, logger *logging.Logger) *NmapProber {
	if cfg.ScanType == "" {
		cfg.ScanType = ScanConnect
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &NmapProber{config: cfg, logger: logger.WithComponent("nmap")}
}

// Probe implements Prober.
func (p *NmapProber) Probe(ctx context.Context, addr netip.Addr, port int) (Outcome, error) {
	target := addr.String()

	scanner, err := nmap.NewScanner(ctx, p.options(target, port)...)
	if err != nil {
		return Unknown, errors.WrapCapabilityError(errors.CodeCapability, "failed to create nmap scanner", target, err)
	}

	result, warnings, err := scanner.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Unknown, ctxErr
	}
	if err != nil {
		if stderrors.Is(err, nmap.ErrScanTimeout) {
			return Unknown, context.DeadlineExceeded
		}
		return Unknown, errors.WrapCapabilityError(errors.CodeCapability, "nmap execution failed", target, err)
	}
	if warnings != nil && len(*warnings) > 0 {
		p.logger.Debug("nmap reported warnings", "target", target, "warnings", *warnings)
	}

	return outcomeFromRun(result, port), nil
}

func (p *NmapProber) options(target string, port int) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(strconv.Itoa(port)),
		nmap.WithSkipHostDiscovery(),
		nmap.WithDisabledDNSResolution(),
		nmap.WithMaxRetries(0),
	}
	if p.config.BinaryPath != "" {
		options = append(options, nmap.WithBinaryPath(p.config.BinaryPath))
	}
	if p.config.HostTimeout > 0 {
		options = append(options, nmap.WithHostTimeout(p.config.HostTimeout))
	}
	if addr, err := netip.ParseAddr(target); err == nil && addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}

	switch p.config.ScanType {
	case ScanSYN:
		options = append(options, nmap.WithSYNScan())
	default:
		options = append(options, nmap.WithConnectScan())
	}
	return options
}

// outcomeFromRun reads the state of port from a single-target nmap run.
func outcomeFromRun(run *nmap.Run, port int) Outcome {
	if run == nil {
		return Unknown
	}
	for i := range run.Hosts {
		host := &run.Hosts[i]
		for j := range host.Ports {
			if int(host.Ports[j].ID) != port {
				continue
			}
			switch host.Ports[j].State.State {
			case "open":
				return Reachable
			case "closed", "filtered", "closed|filtered":
				return Unreachable
			default:
				return Unknown
			}
		}
		if host.Status.State == "down" {
			return Unreachable
		}
	}
	// nmap lists nothing for a target that never answered.
	return Unreachable
}
