package fleetsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// CacheEntry is a stored value and the time it was written.
type CacheEntry struct {
	Key      string
	Value    []byte
	CachedAt time.Time
}

type CacheStats struct {
	Entries int           `json:"entries"`
	Valid   int           `json:"valid"`
	Expired int           `json:"expired"`
	TTL     time.Duration `json:"ttl"`
	Keys    []string      `json:"keys"`
}

type CacheOption func(*ReadCache)

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *ReadCache) { c.ttl = ttl }
}

func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *ReadCache) { c.sweepInterval = d }
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *ReadCache) { c.now = now }
}

func WithCacheLogger(l logrus.FieldLogger) CacheOption {
	return func(c *ReadCache) { c.log = componentLogger(l, "cache") }
}

// ReadCache is a keyed TTL cache for API reads. An entry is valid while
// now - CachedAt < TTL. Get never returns a stale value; stale entries stay
// stored until Sweep, Invalidate or Clear removes them.
type ReadCache struct {
	mu            sync.RWMutex
	entries       map[string]*CacheEntry
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           logrus.FieldLogger
	fetches       singleflight.Group

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReadCache(opts ...CacheOption) *ReadCache {
	c := &ReadCache{
		entries:       make(map[string]*CacheEntry),
		ttl:           DefaultCacheTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           componentLogger(nil, "cache"),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ReadCache) TTL() time.Duration { return c.ttl }

func (c *ReadCache) valid(e *CacheEntry, now time.Time) bool {
	return now.Sub(e.CachedAt) < c.ttl
}

// Get returns a copy of the value for key if it is present and valid.
func (c *ReadCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.valid(e, c.now()) {
		return nil, false
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true
}

// Entry returns the stored entry for key, valid or not.
func (c *ReadCache) Entry(key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return cp, true
}

// Set stores value under key with CachedAt = now. The last Set wins.
func (c *ReadCache) Set(key string, value []byte) {
	c.store(key, value, c.now())
}

// SetIfNewer stores value only if no entry exists for key or the existing
// one was written before fetchedAt. It protects against a slow fetch that
// started earlier overwriting a fresher result.
func (c *ReadCache) SetIfNewer(key string, value []byte, fetchedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.CachedAt.Before(fetchedAt) {
		return false
	}
	c.entries[key] = &CacheEntry{Key: key, Value: append([]byte(nil), value...), CachedAt: fetchedAt}
	return true
}

func (c *ReadCache) store(key string, value []byte, at time.Time) {
	v := make([]byte, len(value))
	copy(v, value)
	c.mu.Lock()
	c.entries[key] = &CacheEntry{Key: key, Value: v, CachedAt: at}
	c.mu.Unlock()
}

// IsValid reports whether key is present and younger than the TTL.
func (c *ReadCache) IsValid(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && c.valid(e, c.now())
}

func (c *ReadCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ReadCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*CacheEntry)
	c.mu.Unlock()
}

// Sweep removes every invalid entry and returns how many were removed.
func (c *ReadCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !c.valid(e, now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Keys returns all stored keys, valid or not, sorted.
func (c *ReadCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (c *ReadCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	st := CacheStats{Entries: len(c.entries), TTL: c.ttl, Keys: make([]string, 0, len(c.entries))}
	for k, e := range c.entries {
		st.Keys = append(st.Keys, k)
		if c.valid(e, now) {
			st.Valid++
		} else {
			st.Expired++
		}
	}
	sort.Strings(st.Keys)
	return st
}

// GetOrFetch returns the cached value for key or calls fetch, caches its
// result and returns it. Concurrent misses on one key share a single fetch.
// Fetch errors are returned and nothing is cached.
func (c *ReadCache) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.fetches.Do(key, func() (interface{}, error) {
		startedAt := c.now()
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.SetIfNewer(key, data, startedAt)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	return append([]byte(nil), data...), nil
}

// ============================================================================
// Sweep loop
// ============================================================================

// Start runs Sweep every sweep interval until Close. Calling Start twice is
// a no-op.
func (c *ReadCache) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop()
}

func (c *ReadCache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.WithField("removed", n).Debug("swept expired cache entries")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the sweep loop. Safe to call more than once and without Start.
func (c *ReadCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}
