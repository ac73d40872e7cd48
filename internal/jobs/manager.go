package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/probe"
	"github.com/anstrom/postalscan/internal/scanning"
)

const (
	// failPersistTimeout bounds the final status write of a failing job,
	// which may run after the job context is gone.
	failPersistTimeout = 10 * time.Second

	subscriberBuffer = 16
	waitPollInterval = time.Second

	// maxCauseIssues caps how many rejected records a NO_NETWORKS cause names.
	maxCauseIssues = 10
)

// ErrManagerClosed is returned by Submit after Shutdown.
var ErrManagerClosed = stderrors.New("job manager is shut down")

// ProberFactory returns the prober a job should use.
type ProberFactory func(params Parameters) (probe.Prober, error)

// SimulatedOnly answers simulated jobs and rejects live ones.
func SimulatedOnly(params Parameters) (probe.Prober, error) {
	if params.Simulate {
		return probe.NewSimulator(params.Seed), nil
	}
	return nil, errors.NewCapabilityError(errors.CodeCapability, "live probing is not configured")
}

// Config holds manager settings.
type Config struct {
	Scheduler scanning.Config
	// ProbeBits converts bit-rate bandwidth caps into probe rates.
	ProbeBits     int
	Retry         RetryPolicy
	HistorySize   int
	MaxConcurrent int
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{
		Scheduler:     scanning.DefaultConfig(),
		ProbeBits:     scanning.DefaultProbeBits,
		Retry:         DefaultRetryPolicy(),
		HistorySize:   256,
		MaxConcurrent: 4,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSource resolves input references through src.
func WithSource(src ingest.Source) Option {
	return func(m *Manager) { m.source = src }
}

// WithProbers selects the prober for each job.
func WithProbers(f ProberFactory) Option {
	return func(m *Manager) { m.probers = f }
}

// WithResourceManager overrides the job slot limiter.
func WithResourceManager(rm scanning.ResourceManager) Option {
	return func(m *Manager) { m.resources = rm }
}

// WithMetrics records job metrics on pm.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type execution struct {
	job    ScanJob
	stats  []aggregate.AvailabilityStat
	cancel context.CancelFunc
	done   chan struct{}
	// unsynced is set when the final status could not be persisted.
	unsynced bool
}

// Manager accepts scan jobs, runs them in the background and answers
// queries about them.
type Manager struct {
	store     Store
	source    ingest.Source
	probers   ProberFactory
	resources scanning.ResourceManager
	validate  *validator.Validate
	cfg       Config
	metrics   *metrics.PrometheusMetrics
	logger    *logging.Logger
	now       func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*execution
	finished *lru.Cache[string, JobRecord]
	// unsynced holds terminal jobs whose status write failed. They are
	// never evicted since the store still has the older row.
	unsynced map[string]JobRecord
	closed   bool

	subMu sync.Mutex
	subs  map[string]map[chan Event]struct{}
}

// NewManager creates a manager persisting through store.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.ErrConfigMissing("jobs.store")
	}
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ProbeBits <= 0 {
		cfg.ProbeBits = def.ProbeBits
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 1
	}

	finished, err := lru.New[string, JobRecord](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create job cache: %w", err)
	}

	m := &Manager{
		store:    store,
		probers:  SimulatedOnly,
		validate: NewValidator(),
		cfg:      cfg,
		metrics:  metrics.GetGlobalMetrics(),
		logger:   logging.Default(),
		now:      time.Now,
		active:   make(map[string]*execution),
		finished: finished,
		unsynced: make(map[string]JobRecord),
		subs:     make(map[string]map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resources == nil {
		m.resources = scanning.NewFixedResourceManager(cfg.MaxConcurrent)
	}
	m.logger = m.logger.WithComponent("jobs")
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	return m, nil
}

// Submit validates req, records a new job and starts it in the background.
// It returns a *errors.ValidationError for bad parameters and a
// DUPLICATE_JOB error when the id is already known.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ValidateRequest(m.validate, req); err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	job := ScanJob{
		ID:             id,
		Status:         StatusCreated,
		Parameters:     req.Parameters,
		Description:    req.Description,
		InputReference: req.InputReference,
		CreatedAt:      m.now().UTC(),
	}
	runCtx, cancel := context.WithCancel(m.baseCtx)
	exec := &execution{job: job, cancel: cancel, done: make(chan struct{})}

	if err := m.reserve(exec); err != nil {
		cancel()
		return "", err
	}

	if req.ID != "" {
		_, err := m.store.Get(ctx, id)
		switch {
		case err == nil:
			m.unreserve(id)
			cancel()
			return "", errors.ErrDuplicateJob(id)
		case !errors.IsNotFound(err):
			m.unreserve(id)
			cancel()
			return "", err
		}
	}

	err := m.storeCall(ctx, "create", func(ctx context.Context) error {
		_, err := m.store.Create(ctx, job)
		return err
	})
	if err != nil {
		m.unreserve(id)
		cancel()
		if errors.IsConflict(err) {
			return "", errors.ErrDuplicateJob(id)
		}
		return "", err
	}

	m.logger.InfoJob("Job submitted", id,
		"port", job.Parameters.Port,
		"bandwidth_cap", job.Parameters.BandwidthCap,
		"simulate", job.Parameters.Simulate)
	m.publish(Event{JobID: id, Status: StatusCreated, Time: job.CreatedAt})

	go m.run(runCtx, exec, req.Networks)
	return id, nil
}

func (m *Manager) reserve(exec *execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	id := exec.job.ID
	if _, ok := m.active[id]; ok {
		return errors.ErrDuplicateJob(id)
	}
	if _, ok := m.finished.Peek(id); ok {
		return errors.ErrDuplicateJob(id)
	}
	m.active[id] = exec
	m.wg.Add(1)
	return nil
}

func (m *Manager) unreserve(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) run(ctx context.Context, exec *execution, inline []ingest.RawRecord) {
	id := exec.job.ID
	log := m.logger.WithJobID(id)
	m.metrics.IncActiveJobs()
	defer m.finish(exec)

	records, err := m.ingest(ctx, exec, inline)
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}

	if err := m.resources.Acquire(ctx, id); err != nil {
		m.fail(ctx, exec, err)
		return
	}
	defer m.resources.Release(id)

	params := exec.job.Parameters
	rate, err := scanning.ParseBandwidth(params.BandwidthCap, m.cfg.ProbeBits)
	if err != nil {
		m.fail(ctx, exec, errors.WrapValidationError("invalid bandwidth cap", err))
		return
	}
	prober, err := m.probers(params)
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}

	sched := scanning.New(m.cfg.Scheduler, prober,
		scanning.WithMetrics(m.metrics),
		scanning.WithLogger(log),
		scanning.WithClock(m.now))

	results, err := sched.Run(ctx, records,
		scanning.Plan{JobID: id, Port: params.Port, Rate: rate, Seed: params.Seed},
		scanning.Hooks{
			OnStart: func(ctx context.Context) error {
				return m.transition(ctx, exec, StatusRunning, "")
			},
			OnBatch: func(ctx context.Context, batch []scanning.ProbeResult) error {
				return m.storeCall(ctx, "append_results", func(ctx context.Context) error {
					return m.store.AppendResults(ctx, id, batch)
				})
			},
		})
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}

	stats := aggregate.Aggregate(records, results)
	err = m.storeCall(ctx, "replace_stats", func(ctx context.Context) error {
		return m.store.ReplaceStats(ctx, id, stats)
	})
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}

	m.mu.Lock()
	exec.stats = stats
	m.mu.Unlock()

	if err := m.transition(ctx, exec, StatusCompleted, ""); err != nil {
		m.fail(ctx, exec, err)
		return
	}
	log.Info("Job completed", "results", len(results), "postal_codes", len(stats))
}

// ingest loads and validates the job's input and records the accepted
// networks.
func (m *Manager) ingest(ctx context.Context, exec *execution, inline []ingest.RawRecord) ([]ingest.NetworkRecord, error) {
	id := exec.job.ID
	raw := inline
	if ref := exec.job.InputReference; ref != "" {
		if m.source == nil {
			return nil, errors.ErrConfigMissing("jobs.input_dir")
		}
		loaded, err := m.source.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		raw = loaded
	}

	params := exec.job.Parameters
	records, report := ingest.Ingest(raw, ingest.Options{
		MaxNetworks: params.MaxNetworks,
		SkipPrivate: params.SkipPrivate,
	})
	m.metrics.AddIngestRecords("accepted", report.Accepted)
	m.metrics.AddIngestRecords("skipped", report.Skipped)
	m.metrics.AddIngestRecords("duplicate", report.Duplicates)
	m.metrics.AddIngestRecords("dropped", report.Dropped)

	m.mu.Lock()
	exec.job.Ingest = &report
	m.mu.Unlock()

	m.logger.InfoJob("Input ingested", id,
		"total", report.Total,
		"accepted", report.Accepted,
		"skipped", report.Skipped,
		"conflicts", report.Conflicts,
		"dropped", report.Dropped)

	if len(records) == 0 {
		jerr := errors.NewJobError(errors.CodeNoNetworks, id,
			fmt.Sprintf("no usable networks after ingestion (%d records, %d skipped)", report.Total, report.Skipped))
		jerr.Cause = report.ErrLimit(maxCauseIssues)
		return nil, jerr
	}

	err := m.storeCall(ctx, "save_networks", func(ctx context.Context) error {
		return m.store.SaveNetworks(ctx, id, records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// transition moves the job to status to. The new state is persisted before
// it becomes visible; a failed write leaves the job unchanged.
func (m *Manager) transition(ctx context.Context, exec *execution, to Status, cause string) error {
	m.mu.Lock()
	next := exec.job
	m.mu.Unlock()

	if err := next.Transition(to, m.now().UTC(), cause); err != nil {
		return err
	}

	update := next.Update()
	err := m.storeCall(ctx, "update_status", func(ctx context.Context) error {
		return m.store.UpdateStatus(ctx, next.ID, update)
	})
	if err != nil {
		return err
	}

	m.commit(exec, next)
	return nil
}

// fail ends the job as failed. The status is committed even when it cannot
// be persisted.
func (m *Manager) fail(ctx context.Context, exec *execution, err error) {
	cause := err.Error()
	if ctx.Err() != nil {
		cause = CauseCanceled
	}

	m.mu.Lock()
	next := exec.job
	m.mu.Unlock()

	if terr := next.Transition(StatusFailed, m.now().UTC(), cause); terr != nil {
		m.logger.ErrorJob("Cannot fail job", next.ID, terr)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failPersistTimeout)
	defer cancel()
	update := next.Update()
	perr := m.storeCall(pctx, "update_status", func(ctx context.Context) error {
		return m.store.UpdateStatus(ctx, next.ID, update)
	})
	if perr != nil {
		m.logger.ErrorJob("Failed to persist job failure", next.ID, perr)
		m.mu.Lock()
		exec.unsynced = true
		m.mu.Unlock()
	}

	m.commit(exec, next)
	m.logger.ErrorJob("Job failed", next.ID, err, "cause", cause)
}

func (m *Manager) commit(exec *execution, job ScanJob) {
	m.mu.Lock()
	exec.job = job
	m.mu.Unlock()

	ev := Event{JobID: job.ID, Status: job.Status, Error: job.Error, Time: m.now().UTC()}
	m.publish(ev)

	if job.Status.IsTerminal() {
		var took time.Duration
		if job.CompletedAt != nil {
			took = job.CompletedAt.Sub(job.CreatedAt)
		}
		m.metrics.RecordJobFinished(string(job.Status), took)
	}
}

func (m *Manager) finish(exec *execution) {
	m.mu.Lock()
	id := exec.job.ID
	delete(m.active, id)
	rec := JobRecord{Job: exec.job, Stats: exec.stats}
	m.finished.Add(id, rec)
	if exec.unsynced {
		m.unsynced[id] = rec
	}
	m.mu.Unlock()

	m.metrics.DecActiveJobs()
	exec.cancel()
	close(exec.done)
	m.closeSubscribers(id)
	m.wg.Done()
}

func (m *Manager) snapshot(id string) (ScanJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.active[id]
	if !ok {
		return ScanJob{}, false
	}
	return exec.job, true
}

// lookup finds a job that is not running, preferring the local cache.
func (m *Manager) lookup(ctx context.Context, id string) (*JobRecord, error) {
	m.mu.Lock()
	rec, ok := m.finished.Get(id)
	if !ok {
		rec, ok = m.unsynced[id]
	}
	m.mu.Unlock()
	if ok {
		return &rec, nil
	}

	var found *JobRecord
	err := m.storeCall(ctx, "get", func(ctx context.Context) error {
		var err error
		found, err = m.store.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if found.Job.Status.IsTerminal() {
		m.mu.Lock()
		m.finished.Add(id, *found)
		m.mu.Unlock()
	}
	return found, nil
}

// Get returns the job and, once completed, its statistics.
func (m *Manager) Get(ctx context.Context, id string) (*JobRecord, error) {
	if job, ok := m.snapshot(id); ok {
		return &JobRecord{Job: job}, nil
	}
	return m.lookup(ctx, id)
}

// Status returns the job's status and, for failed jobs, the cause.
func (m *Manager) Status(ctx context.Context, id string) (StatusView, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{ID: rec.Job.ID, Status: rec.Job.Status, Error: rec.Job.Error}, nil
}

// Results returns the availability statistics of a completed job ordered by
// postal code. Other states yield a NOT_READY error.
func (m *Manager) Results(ctx context.Context, id string) ([]aggregate.AvailabilityStat, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Job.Status != StatusCompleted {
		return nil, errors.ErrNotReady(id, string(rec.Job.Status))
	}
	if rec.Stats == nil {
		return []aggregate.AvailabilityStat{}, nil
	}
	return rec.Stats, nil
}

// ProbeResults returns the raw probe results recorded for a job.
func (m *Manager) ProbeResults(ctx context.Context, id string) ([]scanning.ProbeResult, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	var results []scanning.ProbeResult
	err := m.storeCall(ctx, "results", func(ctx context.Context) error {
		var err error
		results, err = m.store.Results(ctx, id)
		return err
	})
	return results, err
}

// Networks returns the networks a job ingested.
func (m *Manager) Networks(ctx context.Context, id string) ([]ingest.NetworkRecord, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	var out []ingest.NetworkRecord
	err := m.storeCall(ctx, "networks", func(ctx context.Context) error {
		var err error
		out, err = m.store.Networks(ctx, id)
		return err
	})
	return out, err
}

// List returns stored jobs matching filter.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]ScanJob, error) {
	var out []ScanJob
	err := m.storeCall(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = m.store.List(ctx, filter)
		return err
	})
	return out, err
}

// Capacity reports how many job slots are in use, including jobs that have
// held one unusually long.
func (m *Manager) Capacity() scanning.ResourceStats {
	return m.resources.Stats()
}

// Availability returns per-postal-code statistics summed over all completed
// jobs.
func (m *Manager) Availability(ctx context.Context) ([]aggregate.AvailabilityStat, error) {
	var out []aggregate.AvailabilityStat
	err := m.storeCall(ctx, "availability", func(ctx context.Context) error {
		var err error
		out, err = m.store.Availability(ctx)
		return err
	})
	return out, err
}

// Cancel asks a created or running job to stop. The job fails with cause
// "canceled" once in-flight probes have drained. Canceling a finished job is
// a CONFLICT error.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	exec, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		m.logger.InfoJob("Cancel requested", id)
		exec.cancel()
		return nil
	}

	rec, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewJobError(errors.CodeConflict, id, fmt.Sprintf("job is already %s", rec.Job.Status))
}

// Subscribe returns a channel of status events for id and a function that
// ends the subscription. The channel is closed after the job finishes.
// Events are dropped for subscribers that fall behind.
func (m *Manager) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	set, ok := m.subs[id]
	if !ok {
		set = make(map[chan Event]struct{})
		m.subs[id] = set
	}
	set[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if set, ok := m.subs[id]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(m.subs, id)
				}
			}
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) closeSubscribers(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs[id] {
		close(ch)
	}
	delete(m.subs, id)
}

// Wait blocks until job id is completed or failed and returns its record.
// Jobs run by another process are polled through the store.
func (m *Manager) Wait(ctx context.Context, id string) (*JobRecord, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		exec, running := m.active[id]
		m.mu.Unlock()
		if running {
			select {
			case <-exec.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := m.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Job.Status.IsTerminal() {
			return rec, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover fails jobs the store still holds as created or running but this
// manager is not executing, which happens when a previous process stopped
// without finishing them. Call it once at startup, before jobs are
// submitted. It returns the number of jobs it failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	var stale []ScanJob
	err := m.storeCall(ctx, "list", func(ctx context.Context) error {
		var err error
		stale, err = m.store.List(ctx, ListFilter{Status: []Status{StatusCreated, StatusRunning}})
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs error
	recovered := 0
	for _, job := range stale {
		if _, running := m.snapshot(job.ID); running {
			continue
		}
		was := job.Status
		if err := job.Transition(StatusFailed, m.now().UTC(), CauseInterrupted); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		update := job.Update()
		err := m.storeCall(ctx, "update_status", func(ctx context.Context) error {
			return m.store.UpdateStatus(ctx, job.ID, update)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.mu.Lock()
		m.finished.Add(job.ID, JobRecord{Job: job})
		m.mu.Unlock()
		m.logger.WithJobID(job.ID).Warn("Failed interrupted job", "was", was)
		recovered++
	}
	return recovered, errs
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are canceled and fail with cause "canceled".
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	running := len(m.active)
	m.mu.Unlock()

	m.logger.Info("Shutting down job manager", "running_jobs", running)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.baseCancel()
		<-done
		err = fmt.Errorf("shutdown deadline passed, running jobs were canceled: %w", ctx.Err())
	}
	m.baseCancel()
	return multierr.Append(err, m.resources.Close())
}
