package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"koormatics.org/internal/obs"
)

// Key identifies a cached query result.
type Key string

// Query keys the portal caches. Mutations invalidate these conservatively:
// whole keys, never partial patches.
const (
	KeyTrips       Key = "trips"
	KeyVehicles    Key = "vehicles"
	KeyDrivers     Key = "drivers"
	KeyClients     Key = "clients"
	KeyInvoices    Key = "invoices"
	KeyMaintenance Key = "maintenance"
	KeyFuelLogs    Key = "fuel_logs"
	KeySpareParts  Key = "spare_parts"
)

// Fetcher loads fresh data for a key from the backend.
type Fetcher func(ctx context.Context) (any, error)

// ErrNotRegistered is returned by Get for keys without a fetcher.
var ErrNotRegistered = errors.New("cache: key not registered")

const defaultEntryTTL = 5 * time.Minute

type entry struct {
	value     any
	fetchedAt time.Time
}

// Manager is the process-wide query cache. It is constructed once at
// application start and injected; it favors whole-key invalidation over
// optimistic patching because mutations do not return enough information
// to patch related entries surgically.
type Manager struct {
	now      func() time.Time
	entryTTL time.Duration

	mu           sync.Mutex
	entries      map[Key]entry
	fetchers     map[Key]Fetcher
	recentUpdate time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithEntryTTL overrides how long a cached entry is served before refetch.
func WithEntryTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.entryTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs an empty cache manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:      time.Now,
		entryTTL: defaultEntryTTL,
		entries:  make(map[Key]entry),
		fetchers: make(map[Key]Fetcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds a fetcher to a key. Invalidation refetches only registered
// keys; unknown keys invalidate to nothing.
func (m *Manager) Register(key Key, fetch Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[key] = fetch
}

// Get serves the cached value when fresh, otherwise fetches and caches.
func (m *Manager) Get(ctx context.Context, key Key) (any, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok && m.now().Sub(e.fetchedAt) <= m.entryTTL {
		m.mu.Unlock()
		return e.value, nil
	}
	fetch := m.fetchers[key]
	m.mu.Unlock()

	if fetch == nil {
		return nil, ErrNotRegistered
	}
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, fetchedAt: m.now()}
	m.mu.Unlock()
	return value, nil
}

// MarkRecentUpdates records that a mutation just happened. Consumers use
// RecentlyUpdated to bias toward fresh reads right after writes.
func (m *Manager) MarkRecentUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentUpdate = m.now()
}

// RecentlyUpdated reports whether a mutation was marked within the window.
func (m *Manager) RecentlyUpdated(window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentUpdate.IsZero() {
		return false
	}
	return m.now().Sub(m.recentUpdate) <= window
}

// InvalidateAndRefetch drops the named keys and refetches each registered
// one immediately. It returns when all refetches settle; each key's failure
// is independent and logged, never aggregated into an error.
func (m *Manager) InvalidateAndRefetch(ctx context.Context, keys ...Key) {
	m.mu.Lock()
	fetches := make(map[Key]Fetcher, len(keys))
	for _, key := range keys {
		delete(m.entries, key)
		obs.CacheInvalidated(string(key))
		if fetch, ok := m.fetchers[key]; ok {
			fetches[key] = fetch
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for key, fetch := range fetches {
		wg.Add(1)
		go func(key Key, fetch Fetcher) {
			defer wg.Done()
			value, err := fetch(ctx)
			if err != nil {
				// Failed refetch leaves the entry absent; the next read
				// corrects it.
				obs.CacheRefetchFailed(string(key))
				obs.LogError("cache", "refetch after invalidation failed: "+string(key), err)
				return
			}
			m.mu.Lock()
			m.entries[key] = entry{value: value, fetchedAt: m.now()}
			m.mu.Unlock()
		}(key, fetch)
	}
	wg.Wait()
}

// ClearAll unconditionally drops every cached entry. Used when targeted
// invalidation cannot be trusted, e.g. a trip cancellation that frees
// vehicle availability.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		obs.CacheInvalidated(string(key))
	}
	m.entries = make(map[Key]entry)
}

// Keys returns the currently cached keys, for diagnostics.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.entries))
	for key := range m.entries {
		out = append(out, key)
	}
	return out
}
