package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rmax-ai/trackguard/pkg/store"
)

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]store.CacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]store.CacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (store.CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, e store.CacheEntry) error {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge drops entries that are no longer valid at now.
func (c *MemoryCache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !e.ValidAt(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// MemoryStateStore keeps the emergency stop in memory. It is only suitable
// for a single Coordinator instance.
type MemoryStateStore struct {
	mu sync.Mutex
	st store.EmergencyState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) GetEmergencyStop(context.Context) (store.EmergencyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, nil
}

func (s *MemoryStateStore) SetEmergencyStop(_ context.Context, st store.EmergencyState) error {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryStateStore) ClearEmergencyStop(context.Context) error {
	s.mu.Lock()
	s.st = store.EmergencyState{}
	s.mu.Unlock()
	return nil
}

// MemoryLimiter is a process-local fixed-window limiter with the same
// semantics as the Redis limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]*windowCount
}

type windowCount struct {
	id    int64
	count int
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]*windowCount),
	}
}

// Allow counts one call for key in the current window. When the limit is
// exceeded it returns the time until the window rolls over.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	id := now.UnixNano() / int64(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	wc, ok := l.counts[key]
	if !ok || wc.id != id {
		wc = &windowCount{id: id}
		l.counts[key] = wc
	}
	wc.count++
	if wc.count <= l.limit {
		return true, 0, nil
	}
	next := time.Unix(0, (id+1)*int64(l.window))
	return false, next.Sub(now), nil
}
