package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/probe"
	"github.com/anstrom/postalscan/internal/workers"
)

// Failure annotations recorded on non-responsive results.
const (
	FailureTimeout    = "timeout"
	FailureUnknown    = "unknown"
	FailureCapability = "capability_error"
)

// ProbeResult is the append-only record of one probed address.
type ProbeResult struct {
	Network    netip.Prefix `json:"network" db:"network"`
	Address    netip.Addr   `json:"address" db:"address"`
	Responsive bool         `json:"responsive" db:"responsive"`
	Failure    string       `json:"failure,omitempty" db:"failure"`
	ProbedAt   time.Time    `json:"probed_at" db:"probed_at"`
}

// Config holds scheduler limits.
type Config struct {
	SampleCeiling    int
	MaxConcurrency   int
	ProbeTimeout     time.Duration
	FailureThreshold int
	BatchSize        int
}

// DefaultConfig returns the default scheduler limits.
func DefaultConfig() Config {
	return Config{
		SampleCeiling:    256,
		MaxConcurrency:   64,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 3,
		BatchSize:        500,
	}
}

// Plan holds the per-job inputs of a run.
type Plan struct {
	JobID string
	Port  int
	// Rate is the probe ceiling in probes per second.
	Rate float64
	Seed uint64
}

// Hooks lets the caller observe a run. Both hooks are optional and run on
// scheduler goroutines; an error from either aborts the run.
type Hooks struct {
	// OnStart is called once, right before the first probe is dispatched.
	OnStart func(ctx context.Context) error
	// OnBatch receives resolved results in batches of Config.BatchSize.
	OnBatch func(ctx context.Context, batch []ProbeResult) error
}

// Scheduler dispatches probes for one job at a time.
type Scheduler struct {
	config  Config
	prober  probe.Prober
	metrics *metrics.PrometheusMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records probe metrics on m.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the timestamp source for results.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler that probes with p.
func New(cfg Config, p probe.Prober, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.SampleCeiling <= 0 {
		cfg.SampleCeiling = def.SampleCeiling
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	s := &Scheduler{
		config: cfg,
		prober: p,
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")
	return s
}

// Concurrency returns the worker count for a run: enough in-flight probes to
// sustain rate when every probe takes the full timeout, clamped to
// [1, MaxConcurrency] and to the number of candidates.
func (s *Scheduler) Concurrency(rate float64, candidates int) int {
	n := s.config.MaxConcurrency
	if rate > 0 {
		want := math.Ceil(rate * s.config.ProbeTimeout.Seconds())
		if want < float64(n) {
			n = int(want)
		}
	}
	if candidates > 0 && candidates < n {
		n = candidates
	}
	if n < 1 {
		n = 1
	}
	return n
}

type probeJob struct {
	network netip.Prefix
	addr    netip.Addr
	port    int
	prober  probe.Prober
	timeout time.Duration
	now     func() time.Time

	outcome  probe.Outcome
	probedAt time.Time
}

func (j *probeJob) Execute(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	j.probedAt = j.now().UTC()
	outcome, err := j.prober.Probe(pctx, j.addr, j.port)
	j.outcome = outcome
	if err == nil && pctx.Err() != nil && ctx.Err() == nil {
		// the prober answered after its deadline
		return context.DeadlineExceeded
	}
	return err
}

func (j *probeJob) ID() string   { return j.addr.String() }
func (j *probeJob) Type() string { return "probe" }

// Run probes every candidate of records and returns one result per address.
// Results carry no ordering guarantee across networks. Run returns the
// context error if ctx is canceled and a CapabilityError once FailureThreshold
// consecutive capability errors are seen.
func (s *Scheduler) Run(ctx context.Context, records []ingest.NetworkRecord, plan Plan, hooks Hooks) ([]ProbeResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := make([][]netip.Addr, len(records))
	total := 0
	for i, r := range records {
		candidates[i] = Candidates(r, s.config.SampleCeiling, plan.Seed)
		total += len(candidates[i])
	}

	concurrency := s.Concurrency(plan.Rate, total)
	pool := workers.New(workers.Config{
		Size:      concurrency,
		QueueSize: concurrency * 2,
		RateLimit: plan.Rate,
		Burst:     1,
	}, s.logger)
	pool.Start(ctx)

	var (
		mu    sync.Mutex
		fatal error
	)
	abort := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
		cancel()
	}
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatal != nil
	}

	s.logger.Info("Dispatching probes",
		"job_id", plan.JobID,
		"networks", len(records),
		"candidates", total,
		"workers", concurrency,
		"rate", plan.Rate)

	go func() {
		defer pool.Close()
		started := false
		for i, r := range records {
			for _, addr := range candidates[i] {
				if !started {
					started = true
					if hooks.OnStart != nil {
						if err := hooks.OnStart(ctx); err != nil {
							abort(err)
							return
						}
					}
				}
				job := &probeJob{
					network: r.Network,
					addr:    addr,
					port:    plan.Port,
					prober:  s.prober,
					timeout: s.config.ProbeTimeout,
					now:     s.now,
				}
				if err := pool.Submit(ctx, job); err != nil {
					return
				}
			}
		}
	}()

	results := make([]ProbeResult, 0, total)
	batch := make([]ProbeResult, 0, s.config.BatchSize)
	streak := 0
	var lastCapErr error

	flush := func() {
		if len(batch) == 0 || hooks.OnBatch == nil || aborted() {
			batch = batch[:0]
			return
		}
		if err := hooks.OnBatch(ctx, batch); err != nil {
			abort(err)
		}
		batch = make([]ProbeResult, 0, s.config.BatchSize)
	}

	for res := range pool.Results() {
		if res.Skipped || aborted() {
			continue
		}
		job := res.Job.(*probeJob)
		if ctx.Err() != nil && stderrors.Is(res.Error, context.Canceled) {
			continue
		}

		result := ProbeResult{
			Network:  job.network,
			Address:  job.addr,
			ProbedAt: job.probedAt,
		}
		label := s.classify(res.Error, job.outcome, &result)
		s.recordProbe(label, res.Duration)

		if label == FailureCapability {
			streak++
			lastCapErr = res.Error
			if streak >= s.config.FailureThreshold {
				abort(errors.WrapCapabilityError(errors.CodeCapability,
					fmt.Sprintf("%d consecutive probe capability errors", streak),
					job.addr.String(), lastCapErr))
				continue
			}
		} else {
			streak = 0
		}

		results = append(results, result)
		batch = append(batch, result)
		if len(batch) >= s.config.BatchSize {
			flush()
		}
	}
	flush()

	mu.Lock()
	err := fatal
	mu.Unlock()
	if err != nil {
		s.logger.Warn("Probe run aborted", "job_id", plan.JobID, "error", err)
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	s.logger.Info("Probe run complete", "job_id", plan.JobID, "results", len(results))
	return results, nil
}

// classify fills the result's outcome fields and returns a metrics label.
func (s *Scheduler) classify(err error, outcome probe.Outcome, result *ProbeResult) string {
	switch {
	case err == nil:
		switch outcome {
		case probe.Reachable:
			result.Responsive = true
			return "reachable"
		case probe.Unreachable:
			return "unreachable"
		default:
			result.Failure = FailureUnknown
			return FailureUnknown
		}
	case errors.IsCode(err, errors.CodeCapability):
		result.Failure = FailureCapability + ": " + err.Error()
		return FailureCapability
	case stderrors.Is(err, context.DeadlineExceeded):
		result.Failure = FailureTimeout
		return FailureTimeout
	default:
		result.Failure = err.Error()
		return "error"
	}
}

func (s *Scheduler) recordProbe(label string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordProbe(label, d)
	}
}
