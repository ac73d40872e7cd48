// Package scanning drives reachability probes for a scan job.
//
// The Scheduler expands each network record into a bounded set of candidate
// addresses, dispatches them over a rate-paced worker pool and emits one
// ProbeResult per candidate. Networks larger than the sample ceiling are
// reduced to a deterministic pseudo-random subset so that a job with the
// same seed always probes the same addresses.
//
// Failure policy:
//   - a timeout or per-address error is recorded as a non-responsive result
//     with a failure annotation;
//   - a run of consecutive capability errors (the probe engine itself is
//     broken) aborts the remaining work with a CapabilityError.
//
// The bandwidth cap accepted by ParseBandwidth is either a bit rate in the
// style of zmap's -B flag ("10M", "512K") or an explicit probe rate
// ("2000pps"). Bit rates are converted with a configurable probe size, and
// the result must reach MinProbeRate.
//
// FixedResourceManager caps how many jobs may run at once; the job manager
// acquires a slot before starting a job's scheduler and reports its Stats
// on the health endpoint.
package scanning
