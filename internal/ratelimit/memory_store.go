package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gabizap/accessd/internal/syncutil"
)

type windowCounter struct {
	start  time.Time
	window time.Duration
	count  int
}

// MemoryStore is an in-memory CounterStore for single-instance deployments
// and tests. Keys are guarded by a sharded mutex so unrelated clients never
// contend; a background sweep evicts counters whose window has long expired.
type MemoryStore struct {
	locks    *syncutil.ShardedMutex
	mu       sync.RWMutex // guards the map structure itself
	counters map[string]*windowCounter

	stopSweep chan struct{}
	sweepOnce sync.Once

	// now is swappable in tests
	now func() time.Time
}

// NewMemoryStore creates a memory-backed counter store and starts its
// eviction sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		locks:     &syncutil.ShardedMutex{},
		counters:  make(map[string]*windowCounter),
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	go s.sweepLoop(5 * time.Minute)
	return s
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()

	s.mu.RLock()
	wc := s.counters[key]
	s.mu.RUnlock()

	if wc == nil || now.Sub(wc.start) >= window {
		wc = &windowCounter{start: now, window: window, count: 1}
		s.mu.Lock()
		s.counters[key] = wc
		s.mu.Unlock()
		return 1, wc.start, nil
	}

	wc.count++
	return wc.count, wc.start, nil
}

// Close stops the eviction sweep.
func (s *MemoryStore) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep(interval)
		}
	}
}

// sweep drops counters whose window expired more than maxAge ago. A counter
// still inside its window must survive no matter how long the window is, or
// a live count would silently reset. Holding only the map lock is fine here:
// a concurrent Incr for a swept key simply starts a fresh window, which is
// the same outcome expiry produces.
func (s *MemoryStore) sweep(maxAge time.Duration) {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, wc := range s.counters {
		if wc.start.Add(wc.window).Before(cutoff) {
			delete(s.counters, key)
		}
	}
}
