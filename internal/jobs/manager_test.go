package jobs_test

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
	"github.com/anstrom/postalscan/internal/jobs"
	"github.com/anstrom/postalscan/internal/logging"
	"github.com/anstrom/postalscan/internal/metrics"
	"github.com/anstrom/postalscan/internal/probe"
	"github.com/anstrom/postalscan/internal/scanning"
	"github.com/anstrom/postalscan/internal/store"
)

var fixedNow = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

func testConfig() jobs.Config {
	cfg := jobs.DefaultConfig()
	cfg.Scheduler.ProbeTimeout = 5 * time.Second
	cfg.Retry = jobs.RetryPolicy{MaxRetries: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func newManager(t *testing.T, s jobs.Store, opts ...jobs.Option) *jobs.Manager {
	t.Helper()
	base := []jobs.Option{
		jobs.WithLogger(logging.NewWithWriter(logging.DefaultConfig(), io.Discard)),
		jobs.WithMetrics(metrics.NewPrometheusMetrics()),
		jobs.WithClock(func() time.Time { return fixedNow }),
	}
	m, err := jobs.NewManager(s, testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func exampleRequest(id string) jobs.SubmitRequest {
	return jobs.SubmitRequest{
		ID: id,
		Networks: []ingest.RawRecord{
			{Network: "10.0.0.0/30", PostalCode: "11111"},
			{Network: "10.0.0.4/30", PostalCode: "22222"},
		},
		Parameters: jobs.Parameters{
			Port:         80,
			BandwidthCap: "10M",
			MaxNetworks:  100,
			Simulate:     true,
			Seed:         42,
		},
	}
}

func wait(t *testing.T, m *jobs.Manager, id string) *jobs.JobRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

// gate blocks every probe until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Probe(ctx context.Context, addr netip.Addr, port int) (probe.Outcome, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return probe.Reachable, nil
	case <-ctx.Done():
		return probe.Unknown, ctx.Err()
	}
}

func (g *gate) factory(jobs.Parameters) (probe.Prober, error) { return g, nil }

func TestManager_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	id, err := m.Submit(ctx, exampleRequest(""))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := wait(t, m, id)
	assert.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	assert.NotNil(t, rec.Job.StartedAt)
	assert.NotNil(t, rec.Job.CompletedAt)
	require.NotNil(t, rec.Job.Ingest)
	assert.Equal(t, 2, rec.Job.Ingest.Accepted)

	stats, err := m.Results(ctx, id)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "11111", stats[0].PostalCode)
	assert.Equal(t, "22222", stats[1].PostalCode)
	for _, s := range stats {
		assert.Equal(t, 1, s.NetworksScanned)
		assert.Equal(t, 4, s.HostsSampled)
		assert.LessOrEqual(t, s.HostsResponsive, s.HostsSampled)
		assert.InDelta(t, float64(s.HostsResponsive)/4, s.ResponseRate, 1e-12)
	}

	results, err := m.ProbeResults(ctx, id)
	require.NoError(t, err)
	assert.Len(t, results, 8)

	networks, err := m.Networks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, networks, 2)

	status, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusView{ID: id, Status: jobs.StatusCompleted}, status)
}

func TestManager_SimulationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	req := exampleRequest("")
	req.Networks = append(req.Networks, ingest.RawRecord{Network: "172.16.0.0/20", PostalCode: "33333"})

	first, err := m.Submit(ctx, req)
	require.NoError(t, err)
	second, err := m.Submit(ctx, req)
	require.NoError(t, err)
	wait(t, m, first)
	wait(t, m, second)

	statsA, err := m.Results(ctx, first)
	require.NoError(t, err)
	statsB, err := m.Results(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, statsA, statsB)

	resultsA, err := m.ProbeResults(ctx, first)
	require.NoError(t, err)
	resultsB, err := m.ProbeResults(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, resultsA, resultsB)
	assert.Len(t, resultsA, 8+256)
}

func TestManager_ZeroNetworksFailWithoutRunning(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	events, unsubscribe := m.Subscribe("empty-job")
	defer unsubscribe()

	req := exampleRequest("empty-job")
	req.Networks = []ingest.RawRecord{}
	id, err := m.Submit(ctx, req)
	require.NoError(t, err)

	rec := wait(t, m, id)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.NotEmpty(t, rec.Job.Error)
	assert.Nil(t, rec.Job.StartedAt)

	var seen []jobs.Status
	for ev := range events {
		seen = append(seen, ev.Status)
	}
	assert.Equal(t, []jobs.Status{jobs.StatusCreated, jobs.StatusFailed}, seen)

	_, err = m.Results(ctx, id)
	assert.True(t, errors.IsCode(err, errors.CodeNotReady))
}

func TestManager_AllRecordsInvalid(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	req := exampleRequest("")
	req.Networks = []ingest.RawRecord{
		{Network: "not-a-network", PostalCode: "1"},
		{Network: "10.0.0.0/33", PostalCode: "2"},
		{Network: "10.0.0.0/30", PostalCode: ""},
	}
	id, err := m.Submit(ctx, req)
	require.NoError(t, err)

	rec := wait(t, m, id)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Contains(t, rec.Job.Error, "no usable networks")
	assert.Contains(t, rec.Job.Error, "records[2]")
	assert.Contains(t, rec.Job.Error, "postal code is empty")
	assert.Contains(t, rec.Job.Error, "not-a-network")
	require.NotNil(t, rec.Job.Ingest)
	assert.Equal(t, 3, rec.Job.Ingest.Skipped)

	view, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, view.Error, "postal code is empty")
}

func TestManager_NoNetworksCauseIsCapped(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	req := exampleRequest("")
	req.Networks = make([]ingest.RawRecord, 0, 25)
	for i := 0; i < 25; i++ {
		req.Networks = append(req.Networks, ingest.RawRecord{Network: fmt.Sprintf("bad-%d", i), PostalCode: "1"})
	}
	id, err := m.Submit(ctx, req)
	require.NoError(t, err)

	rec := wait(t, m, id)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Contains(t, rec.Job.Error, "bad-9")
	assert.NotContains(t, rec.Job.Error, "bad-10:")
	assert.Contains(t, rec.Job.Error, "and 15 more rejected records")
}

func TestManager_MaxNetworksCap(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	raw := make([]ingest.RawRecord, 0, 10000)
	for i := 0; i < 10000; i++ {
		raw = append(raw, ingest.RawRecord{
			Network:    fmt.Sprintf("10.%d.%d.1/32", i/256, i%256),
			PostalCode: fmt.Sprintf("%05d", i%50),
		})
	}
	req := exampleRequest("")
	req.Networks = raw
	req.Parameters.MaxNetworks = 100
	req.Parameters.BandwidthCap = "100000pps"

	id, err := m.Submit(ctx, req)
	require.NoError(t, err)

	rec := wait(t, m, id)
	require.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	assert.Equal(t, 100, rec.Job.Ingest.Accepted)
	assert.Equal(t, 9900, rec.Job.Ingest.Dropped)

	networks, err := m.Networks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, networks, 100)
}

func TestManager_DuplicateSubmission(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	m := newManager(t, store.NewMemory(), jobs.WithProbers(g.factory))

	id, err := m.Submit(ctx, exampleRequest("dup"))
	require.NoError(t, err)
	<-g.started

	status, err := m.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, status.Status)

	_, err = m.Submit(ctx, exampleRequest("dup"))
	assert.True(t, errors.IsCode(err, errors.CodeDuplicateJob), "got %v", err)

	_, err = m.Results(ctx, id)
	assert.True(t, errors.IsCode(err, errors.CodeNotReady))

	close(g.release)
	assert.Equal(t, jobs.StatusCompleted, wait(t, m, id).Job.Status)

	_, err = m.Submit(ctx, exampleRequest("dup"))
	assert.True(t, errors.IsCode(err, errors.CodeDuplicateJob), "finished ids stay taken")
}

func TestManager_DuplicateOfStoredJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	_, err := s.Create(ctx, jobs.ScanJob{ID: "old", Status: jobs.StatusCompleted, CreatedAt: fixedNow})
	require.NoError(t, err)

	m := newManager(t, s)
	_, err = m.Submit(ctx, exampleRequest("old"))
	assert.True(t, errors.IsCode(err, errors.CodeDuplicateJob))
}

func TestManager_Cancel(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	m := newManager(t, store.NewMemory(), jobs.WithProbers(g.factory))

	id, err := m.Submit(ctx, exampleRequest(""))
	require.NoError(t, err)
	<-g.started

	require.NoError(t, m.Cancel(ctx, id))

	rec := wait(t, m, id)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Equal(t, jobs.CauseCanceled, rec.Job.Error)
	assert.NotNil(t, rec.Job.StartedAt)

	err = m.Cancel(ctx, id)
	assert.True(t, errors.IsConflict(err))

	err = m.Cancel(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestManager_CapabilityFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("live probing unavailable", func(t *testing.T) {
		m := newManager(t, store.NewMemory())
		req := exampleRequest("")
		req.Parameters.Simulate = false

		id, err := m.Submit(ctx, req)
		require.NoError(t, err)
		rec := wait(t, m, id)
		assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
		assert.Contains(t, rec.Job.Error, string(errors.CodeCapability))
	})

	t.Run("consecutive capability errors", func(t *testing.T) {
		broken := probe.ProberFunc(func(ctx context.Context, addr netip.Addr, port int) (probe.Outcome, error) {
			return probe.Unknown, errors.NewCapabilityError(errors.CodeCapability, "nmap exited with status 1")
		})
		m := newManager(t, store.NewMemory(), jobs.WithProbers(func(jobs.Parameters) (probe.Prober, error) {
			return broken, nil
		}))

		id, err := m.Submit(ctx, exampleRequest(""))
		require.NoError(t, err)
		rec := wait(t, m, id)
		assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
		assert.Contains(t, rec.Job.Error, "consecutive")
	})
}

func TestManager_InputReference(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	csv := "network,postal_code\n10.0.0.0/30,11111\n10.0.0.4/30,22222\nbogus,33333\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "networks.csv"), []byte(csv), 0o600))

	m := newManager(t, store.NewMemory(), jobs.WithSource(ingest.DirSource{Dir: dir}))

	req := exampleRequest("")
	req.Networks = nil
	req.InputReference = "networks.csv"
	id, err := m.Submit(ctx, req)
	require.NoError(t, err)

	rec := wait(t, m, id)
	require.Equal(t, jobs.StatusCompleted, rec.Job.Status)
	assert.Equal(t, 1, rec.Job.Ingest.Skipped)

	req.InputReference = "missing.csv"
	id, err = m.Submit(ctx, req)
	require.NoError(t, err)
	rec = wait(t, m, id)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Contains(t, rec.Job.Error, "not found")
}

func TestManager_ValidationErrors(t *testing.T) {
	m := newManager(t, store.NewMemory())

	req := exampleRequest("")
	req.Parameters.Port = 0
	_, err := m.Submit(context.Background(), req)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	list, err := m.List(context.Background(), jobs.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected submissions are not stored")
}

func TestManager_SubscribeSeesLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	events, unsubscribe := m.Subscribe("watched")
	defer unsubscribe()

	_, err := m.Submit(ctx, exampleRequest("watched"))
	require.NoError(t, err)

	var seen []jobs.Status
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			assert.Equal(t, "watched", ev.JobID)
			seen = append(seen, ev.Status)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
	assert.Equal(t, []jobs.Status{jobs.StatusCreated, jobs.StatusRunning, jobs.StatusCompleted}, seen)
}

func TestManager_ListAndAvailability(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory())

	first, err := m.Submit(ctx, exampleRequest("first"))
	require.NoError(t, err)
	wait(t, m, first)

	failing := exampleRequest("second")
	failing.Networks = []ingest.RawRecord{}
	second, err := m.Submit(ctx, failing)
	require.NoError(t, err)
	wait(t, m, second)

	all, err := m.List(ctx, jobs.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := m.List(ctx, jobs.ListFilter{Status: []jobs.Status{jobs.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "second", failed[0].ID)

	overview, err := m.Availability(ctx)
	require.NoError(t, err)
	stats, err := m.Results(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, stats, overview)
}

func TestManager_ShutdownCancelsRunningJobs(t *testing.T) {
	g := newGate()
	m, err := jobs.NewManager(store.NewMemory(), testConfig(),
		jobs.WithLogger(logging.NewWithWriter(logging.DefaultConfig(), io.Discard)),
		jobs.WithMetrics(metrics.NewPrometheusMetrics()),
		jobs.WithProbers(g.factory))
	require.NoError(t, err)

	id, err := m.Submit(context.Background(), exampleRequest("long"))
	require.NoError(t, err)
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Shutdown(ctx))

	rec, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Job.Status)
	assert.Equal(t, jobs.CauseCanceled, rec.Job.Error)

	_, err = m.Submit(context.Background(), exampleRequest("late"))
	assert.ErrorIs(t, err, jobs.ErrManagerClosed)
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	rm := scanning.NewFixedResourceManager(1)
	m := newManager(t, store.NewMemory(), jobs.WithProbers(g.factory), jobs.WithResourceManager(rm))

	first, err := m.Submit(ctx, exampleRequest("one"))
	require.NoError(t, err)
	second, err := m.Submit(ctx, exampleRequest("two"))
	require.NoError(t, err)
	<-g.started

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rm.Stats().ActiveJobs)
	capacity := m.Capacity()
	assert.Equal(t, 1, capacity.Capacity)
	assert.Equal(t, 1, capacity.ActiveJobs)
	assert.Zero(t, capacity.AvailableSlots)
	statuses := map[jobs.Status]int{}
	for _, id := range []string{first, second} {
		st, err := m.Status(ctx, id)
		require.NoError(t, err)
		statuses[st.Status]++
	}
	assert.Equal(t, map[jobs.Status]int{jobs.StatusRunning: 1, jobs.StatusCreated: 1}, statuses)

	close(g.release)
	assert.Equal(t, jobs.StatusCompleted, wait(t, m, first).Job.Status)
	assert.Equal(t, jobs.StatusCompleted, wait(t, m, second).Job.Status)
}

func TestManager_RecoverFailsInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	seed := func(id string, to ...jobs.Status) {
		job := jobs.ScanJob{ID: id, Status: jobs.StatusCreated, Parameters: exampleRequest(id).Parameters, CreatedAt: fixedNow}
		_, err := s.Create(ctx, job)
		require.NoError(t, err)
		for _, st := range to {
			require.NoError(t, job.Transition(st, fixedNow, ""))
			require.NoError(t, s.UpdateStatus(ctx, id, job.Update()))
		}
	}
	seed("queued")
	seed("running", jobs.StatusRunning)
	seed("done", jobs.StatusRunning, jobs.StatusCompleted)

	m := newManager(t, s)
	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"queued", "running"} {
		st, err := m.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, st.Status, id)
		assert.Equal(t, jobs.CauseInterrupted, st.Error, id)

		stored, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusFailed, stored.Job.Status, id)
	}

	st, err := m.Status(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, st.Status)

	n, err = m.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
