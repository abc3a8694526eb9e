package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	allStatusKey = "all_status"
	motorsKey    = "motors"
	motorKeyPre  = "motor_"
)

// MotorKey is the cache key for one motor's analytics.
func MotorKey(motorID int) string {
	return motorKeyPre + strconv.Itoa(motorID)
}

type AnalyticsStats struct {
	MotorAnalyticsCount int        `json:"motor_analytics_count"`
	HasAllStatus        bool       `json:"has_all_status"`
	CacheEntries        int        `json:"cache_entries"`
	LastUpdated         *time.Time `json:"last_updated,omitempty"`
}

// AnalyticsStore reads motor analytics through a ReadCache. Reads are served
// from cache while valid and fetched from the API otherwise.
type AnalyticsStore struct {
	client *Client
	cache  *ReadCache
	log    logrus.FieldLogger

	mu          sync.Mutex
	lastUpdated time.Time
}

func NewAnalyticsStore(client *Client, cache *ReadCache, l logrus.FieldLogger) *AnalyticsStore {
	return &AnalyticsStore{client: client, cache: cache, log: componentLogger(l, "analytics")}
}

func (a *AnalyticsStore) Cache() *ReadCache { return a.cache }

func (a *AnalyticsStore) touch() {
	a.mu.Lock()
	a.lastUpdated = time.Now()
	a.mu.Unlock()
}

// MotorAnalytics returns analytics for one motor. force bypasses the cache.
func (a *AnalyticsStore) MotorAnalytics(ctx context.Context, motorID int, force bool) (*MotorAnalytics, error) {
	key := MotorKey(motorID)
	return cachedRead(ctx, a, key, force, func(ctx context.Context) (*MotorAnalytics, error) {
		return a.client.MotorAnalytics(ctx, motorID)
	})
}

func (a *AnalyticsStore) AllMotorStatus(ctx context.Context, force bool) (*AllMotorStatus, error) {
	return cachedRead(ctx, a, allStatusKey, force, a.client.AllMotorStatus)
}

func (a *AnalyticsStore) Motors(ctx context.Context, force bool) ([]Motor, error) {
	m, err := cachedRead(ctx, a, motorsKey, force, func(ctx context.Context) (*[]Motor, error) {
		motors, err := a.client.Motors(ctx)
		if err != nil {
			return nil, err
		}
		return &motors, nil
	})
	if err != nil {
		return nil, err
	}
	return *m, nil
}

func cachedRead[T any](ctx context.Context, a *AnalyticsStore, key string, force bool, fetch func(context.Context) (*T, error)) (*T, error) {
	if force {
		a.cache.Invalidate(key)
	}
	fetched := false
	data, err := a.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		fetched = true
		return json.Marshal(v)
	})
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("analytics fetch failed")
		return nil, err
	}
	if fetched {
		a.touch()
	}
	return decodeJSON[T](data)
}

// CachedMotorAnalytics returns cached analytics without touching the
// network, or ErrCacheMiss.
func (a *AnalyticsStore) CachedMotorAnalytics(motorID int) (*MotorAnalytics, error) {
	data, ok := a.cache.Get(MotorKey(motorID))
	if !ok {
		return nil, ErrCacheMiss
	}
	return decodeJSON[MotorAnalytics](data)
}

// MotorStatus returns the cached indicator for a motor. ok is false when
// the status list is not cached or does not include the motor.
func (a *AnalyticsStore) MotorStatus(motorID int) (StatusIndicator, bool) {
	all, ok := a.cachedAllStatus()
	if !ok {
		return "", false
	}
	for _, m := range all.Motors {
		if m.MotorID == motorID {
			return m.StatusIndicator, true
		}
	}
	return "", false
}

func (a *AnalyticsStore) cachedAllStatus() (*AllMotorStatus, bool) {
	data, ok := a.cache.Get(allStatusKey)
	if !ok {
		return nil, false
	}
	var all AllMotorStatus
	if err := json.Unmarshal(data, &all); err != nil {
		a.log.WithError(err).Warn("dropping undecodable status entry")
		a.cache.Invalidate(allStatusKey)
		return nil, false
	}
	return &all, true
}

// UpdateMotorStatuses merges statuses into the cached status list, replacing
// entries for known motors and appending new ones.
func (a *AnalyticsStore) UpdateMotorStatuses(statuses []MotorStatus) error {
	all, ok := a.cachedAllStatus()
	if !ok {
		all = &AllMotorStatus{}
	}
	index := make(map[int]int, len(all.Motors))
	for i, m := range all.Motors {
		index[m.MotorID] = i
	}
	for _, s := range statuses {
		if i, ok := index[s.MotorID]; ok {
			all.Motors[i] = s
			continue
		}
		index[s.MotorID] = len(all.Motors)
		all.Motors = append(all.Motors, s)
	}
	all.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to encode statuses: %w", err)
	}
	a.cache.Set(allStatusKey, data)
	a.touch()
	return nil
}

// Refresh asks the backend to recompute analytics and drops every cached
// analytics entry so the next read fetches fresh data.
func (a *AnalyticsStore) Refresh(ctx context.Context) (*RefreshResult, error) {
	res, err := a.client.RefreshAnalytics(ctx)
	if err != nil {
		return nil, err
	}
	a.InvalidateAnalytics()
	return res, nil
}

// RefreshIfNeeded refetches the status list when the cached one is missing
// or expired. It reports whether a fetch happened.
func (a *AnalyticsStore) RefreshIfNeeded(ctx context.Context) (bool, error) {
	if a.cache.IsValid(allStatusKey) {
		return false, nil
	}
	if _, err := a.AllMotorStatus(ctx, true); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateAnalytics removes per-motor analytics and the status list.
func (a *AnalyticsStore) InvalidateAnalytics() {
	for _, k := range a.cache.Keys() {
		if k == allStatusKey || strings.HasPrefix(k, motorKeyPre) {
			a.cache.Invalidate(k)
		}
	}
}

// CachedMotorIDs lists motors with valid cached analytics, ascending.
func (a *AnalyticsStore) CachedMotorIDs() []int {
	var ids []int
	for _, k := range a.cache.Keys() {
		if !strings.HasPrefix(k, motorKeyPre) || !a.cache.IsValid(k) {
			continue
		}
		if id, err := strconv.Atoi(strings.TrimPrefix(k, motorKeyPre)); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (a *AnalyticsStore) Stats() AnalyticsStats {
	st := AnalyticsStats{
		MotorAnalyticsCount: len(a.CachedMotorIDs()),
		HasAllStatus:        a.cache.IsValid(allStatusKey),
		CacheEntries:        a.cache.Stats().Entries,
	}
	a.mu.Lock()
	if !a.lastUpdated.IsZero() {
		t := a.lastUpdated
		st.LastUpdated = &t
	}
	a.mu.Unlock()
	return st
}
