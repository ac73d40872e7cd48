// Package store provides an in-memory implementation of jobs.Store for
// single-process use and tests.
package store

import (
	"context"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/anstrom/postalscan/internal/aggregate"
	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/scanning"
)

type resultKey struct {
	network netip.Prefix
	addr    netip.Addr
}

type entry struct {
	job      jobs.ScanJob
	networks map[netip.Prefix]ingest.NetworkRecord
	results  map[resultKey]scanning.ProbeResult
	stats    []aggregate.AvailabilityStat
}

// Memory is a mutex-guarded jobs.Store. Jobs are returned as copies.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	// order keeps insertion order for List.
	order []string
}

var _ jobs.Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*entry)}
}

func (s *Memory) entry(id string) (*entry, error) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrNotFoundWithID("scan job", id)
	}
	return e, nil
}

// Create implements jobs.Store.
func (s *Memory) Create(ctx context.Context, job jobs.ScanJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", errors.NewValidationError("id", "job id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return "", errors.ErrConflict("scan job " + job.ID)
	}
	s.jobs[job.ID] = &entry{
		job:      job,
		networks: make(map[netip.Prefix]ingest.NetworkRecord),
		results:  make(map[resultKey]scanning.ProbeResult),
	}
	s.order = append(s.order, job.ID)
	return job.ID, nil
}

// UpdateStatus implements jobs.Store.
func (s *Memory) UpdateStatus(ctx context.Context, id string, update jobs.JobUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.job.Status = update.Status
	e.job.Error = update.Error
	e.job.StartedAt = update.StartedAt
	e.job.CompletedAt = update.CompletedAt
	if update.Ingest != nil {
		e.job.Ingest = update.Ingest
	}
	return nil
}

// SaveNetworks implements jobs.Store.
func (s *Memory) SaveNetworks(ctx context.Context, id string, records []ingest.NetworkRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	for _, r := range records {
		e.networks[r.Network] = r
	}
	return nil
}

// AppendResults implements jobs.Store.
func (s *Memory) AppendResults(ctx context.Context, id string, results []scanning.ProbeResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	for _, r := range results {
		key := resultKey{network: r.Network, addr: r.Address}
		if _, dup := e.results[key]; !dup {
			e.results[key] = r
		}
	}
	return nil
}

// ReplaceStats implements jobs.Store.
func (s *Memory) ReplaceStats(ctx context.Context, id string, stats []aggregate.AvailabilityStat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.stats = slices.Clone(stats)
	return nil
}

// Get implements jobs.Store.
func (s *Memory) Get(ctx context.Context, id string) (*jobs.JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return &jobs.JobRecord{Job: e.job, Stats: slices.Clone(e.stats)}, nil
}

// List implements jobs.Store.
func (s *Memory) List(ctx context.Context, filter jobs.ListFilter) ([]jobs.ScanJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]jobs.ScanJob, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]].job
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, job.Status) {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Results implements jobs.Store.
func (s *Memory) Results(ctx context.Context, id string) ([]scanning.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	out := make([]scanning.ProbeResult, 0, len(e.results))
	for _, r := range e.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := comparePrefix(out[i].Network, out[j].Network); c != 0 {
			return c < 0
		}
		return out[i].Address.Less(out[j].Address)
	})
	return out, nil
}

// Availability implements jobs.Store.
func (s *Memory) Availability(ctx context.Context) ([]aggregate.AvailabilityStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([][]aggregate.AvailabilityStat, 0, len(s.jobs))
	for _, e := range s.jobs {
		if e.job.Status == jobs.StatusCompleted {
			groups = append(groups, e.stats)
		}
	}
	return aggregate.Merge(groups...), nil
}

// Networks implements jobs.Store.
func (s *Memory) Networks(ctx context.Context, id string) ([]ingest.NetworkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	out := make([]ingest.NetworkRecord, 0, len(e.networks))
	for _, r := range e.networks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return comparePrefix(out[i].Network, out[j].Network) < 0
	})
	return out, nil
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
