package scanning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxJobDuration is how long a job may hold a slot before Stats reports it
// as long running.
const maxJobDuration = 30 * time.Minute

// ResourceManager caps how many jobs may probe at the same time.
type ResourceManager interface {
	// Acquire blocks until a slot is free for jobID or ctx is done.
	Acquire(ctx context.Context, jobID string) error
	// Release frees the slot held by jobID. Unknown ids are ignored.
	Release(jobID string)
	// Stats returns a snapshot of slot usage.
	Stats() ResourceStats
	// Close rejects further Acquire calls.
	Close() error
}

// ResourceStats is a snapshot of a FixedResourceManager.
type ResourceStats struct {
	Capacity       int      `json:"capacity"`
	ActiveJobs     int      `json:"active_jobs"`
	AvailableSlots int      `json:"available_slots"`
	LongRunning    []string `json:"long_running,omitempty"`
	Closed         bool     `json:"closed"`
}

// FixedResourceManager implements ResourceManager with a weighted semaphore
// of fixed capacity.
type FixedResourceManager struct {
	capacity int
	sem      *semaphore.Weighted
	now      func() time.Time

	mu     sync.RWMutex
	active map[string]time.Time
	closed bool
}

// NewFixedResourceManager creates a manager with capacity slots.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &FixedResourceManager{
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		now:      time.Now,
		active:   make(map[string]time.Time),
	}
}

// Acquire blocks until a slot is free. Acquiring twice for the same job id
// is an error.
func (rm *FixedResourceManager) Acquire(ctx context.Context, jobID string) error {
	rm.mu.RLock()
	closed := rm.closed
	_, held := rm.active[jobID]
	rm.mu.RUnlock()
	if closed {
		return fmt.Errorf("resource manager is closed")
	}
	if held {
		return fmt.Errorf("job %s already holds a slot", jobID)
	}

	if err := rm.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		rm.sem.Release(1)
		return fmt.Errorf("resource manager is closed")
	}
	rm.active[jobID] = rm.now()
	return nil
}

// Release frees the slot held by jobID.
func (rm *FixedResourceManager) Release(jobID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.active[jobID]; !ok {
		return
	}
	delete(rm.active, jobID)
	rm.sem.Release(1)
}

// Close marks the manager closed. Held slots stay valid until released.
func (rm *FixedResourceManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.closed = true
	return nil
}

// Stats returns a snapshot including jobs that have held a slot for longer
// than maxJobDuration.
func (rm *FixedResourceManager) Stats() ResourceStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	now := rm.now()
	var long []string
	for id, started := range rm.active {
		if now.Sub(started) > maxJobDuration {
			long = append(long, id)
		}
	}
	sort.Strings(long)

	return ResourceStats{
		Capacity:       rm.capacity,
		ActiveJobs:     len(rm.active),
		AvailableSlots: rm.capacity - len(rm.active),
		LongRunning:    long,
		Closed:         rm.closed,
	}
}
