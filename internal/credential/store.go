package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Observer receives cache lifecycle events, typically to feed metrics.
type Observer interface {
	CredentialCacheHit()
	CredentialCacheMiss()
	CredentialLoad(ok bool)
	CredentialEviction()
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Loads     uint64 `json:"loads"`
	LoadError uint64 `json:"load_errors"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	cred     *SigningCredential
	loadedAt time.Time
	lastUsed atomic.Int64 // unix nanos
}

// Store caches decrypted signing credentials per tenant behind a bounded
// LRU map. Concurrent requests for the same absent tenant share a single
// decryption via singleflight; reads after that touch only a shared lock
// and atomic counters.
type Store struct {
	resolver Resolver
	loader   *Loader
	capacity int
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger
	obs      Observer

	mu      sync.RWMutex
	entries map[string]*entry
	sf      singleflight.Group

	hits       atomic.Uint64
	misses     atomic.Uint64
	loads      atomic.Uint64
	loadErrors atomic.Uint64
	evictions  atomic.Uint64
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCapacity bounds the number of cached credentials. Zero or negative
// falls back to the default of 64.
func WithCapacity(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithTTL forces a reload of entries older than d, so rotated containers are
// picked up without an explicit reload. Zero disables the TTL.
func WithTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.ttl = d }
}

// WithObserver attaches a cache event observer.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.obs = o }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger attaches a logger. Log entries never include passphrases
// or key material.
func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore creates a credential store backed by resolver and loader.
func NewStore(resolver Resolver, loader *Loader, opts ...StoreOption) *Store {
	s := &Store{
		resolver: resolver,
		loader:   loader,
		capacity: 64,
		now:      time.Now,
		log:      zap.NewNop(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached credential for tenantID, loading it on a miss.
// A cached credential whose certificate window has elapsed is evicted and
// the call fails with an expired error; the caller must rotate the container
// and ForceReload. Entries older than the TTL are reloaded transparently.
func (s *Store) Get(ctx context.Context, tenantID string) (*SigningCredential, error) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[tenantID]
	s.mu.RUnlock()

	if ok {
		if e.cred.Expired(now) {
			s.evict(tenantID, "certificate expired")
			return nil, ErrExpired(tenantID, e.cred.Subject, e.cred.NotAfter)
		}
		if s.ttl <= 0 || now.Sub(e.loadedAt) < s.ttl {
			e.lastUsed.Store(now.UnixNano())
			s.hits.Add(1)
			if s.obs != nil {
				s.obs.CredentialCacheHit()
			}
			return e.cred, nil
		}
		// TTL elapsed, fall through and reload.
		s.evict(tenantID, "ttl elapsed")
	}

	s.misses.Add(1)
	if s.obs != nil {
		s.obs.CredentialCacheMiss()
	}
	return s.load(ctx, tenantID, tenantID)
}

// ForceReload discards any cached credential for tenantID and loads it
// fresh from the resolver, bypassing an in-flight regular load.
func (s *Store) ForceReload(ctx context.Context, tenantID string) (*SigningCredential, error) {
	s.evict(tenantID, "forced reload")
	return s.load(ctx, tenantID, "force\x00"+tenantID)
}

func (s *Store) load(ctx context.Context, tenantID, flightKey string) (*SigningCredential, error) {
	v, err, _ := s.sf.Do(flightKey, func() (interface{}, error) {
		container, err := s.resolver.Resolve(ctx, tenantID)
		if err != nil {
			s.loadErrors.Add(1)
			if s.obs != nil {
				s.obs.CredentialLoad(false)
			}
			return nil, err
		}
		cred, err := s.loader.Load(tenantID, container.Data, container.Passphrase)
		if err != nil {
			s.loadErrors.Add(1)
			if s.obs != nil {
				s.obs.CredentialLoad(false)
			}
			s.log.Warn("credential load failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			return nil, err
		}
		s.loads.Add(1)
		if s.obs != nil {
			s.obs.CredentialLoad(true)
		}
		s.insert(tenantID, cred)
		s.log.Info("credential loaded",
			zap.String("tenant_id", tenantID),
			zap.String("subject", cred.Subject),
			zap.Time("not_after", cred.NotAfter))
		return cred, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SigningCredential), nil
}

func (s *Store) insert(tenantID string, cred *SigningCredential) {
	now := s.now()
	e := &entry{cred: cred, loadedAt: now}
	e.lastUsed.Store(now.UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[tenantID]; !exists && len(s.entries) >= s.capacity {
		s.evictOldestLocked()
	}
	s.entries[tenantID] = e
}

// evictOldestLocked removes the least recently used entry. Caller holds mu.
func (s *Store) evictOldestLocked() {
	var (
		victim string
		oldest int64
	)
	for id, e := range s.entries {
		used := e.lastUsed.Load()
		if victim == "" || used < oldest {
			victim, oldest = id, used
		}
	}
	if victim != "" {
		delete(s.entries, victim)
		s.evictions.Add(1)
		if s.obs != nil {
			s.obs.CredentialEviction()
		}
		s.log.Debug("credential evicted", zap.String("tenant_id", victim), zap.String("reason", "capacity"))
	}
}

func (s *Store) evict(tenantID, reason string) {
	s.mu.Lock()
	_, ok := s.entries[tenantID]
	if ok {
		delete(s.entries, tenantID)
	}
	s.mu.Unlock()
	if ok {
		s.evictions.Add(1)
		if s.obs != nil {
			s.obs.CredentialEviction()
		}
		s.log.Debug("credential evicted", zap.String("tenant_id", tenantID), zap.String("reason", reason))
	}
}

// Invalidate removes the cached credential for tenantID, reporting whether
// an entry was present.
func (s *Store) Invalidate(tenantID string) bool {
	s.mu.Lock()
	_, ok := s.entries[tenantID]
	if ok {
		delete(s.entries, tenantID)
	}
	s.mu.Unlock()
	if ok {
		s.evictions.Add(1)
		if s.obs != nil {
			s.obs.CredentialEviction()
		}
	}
	return ok
}

// Clear drops every cached credential and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.evictions.Add(1)
		if s.obs != nil {
			s.obs.CredentialEviction()
		}
	}
	return n
}

// PreloadResult records the outcome of one tenant in a Preload call.
type PreloadResult struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error,omitempty"`
}

// Preload warms the cache for the given tenants. Failures do not abort the
// batch; each tenant's outcome is reported individually.
func (s *Store) Preload(ctx context.Context, tenantIDs []string) []PreloadResult {
	results := make([]PreloadResult, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		r := PreloadResult{TenantID: id}
		if _, err := s.Get(ctx, id); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// Check resolves and decrypts the tenant's container without touching the
// cache, returning certificate metadata. Used by validation endpoints.
func (s *Store) Check(ctx context.Context, tenantID string) (*Info, error) {
	container, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cred, err := s.loader.Load(tenantID, container.Data, container.Passphrase)
	if err != nil {
		return nil, err
	}
	info := cred.Info()
	return &info, nil
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	size := len(s.entries)
	s.mu.RUnlock()
	return Stats{
		Size:      size,
		Capacity:  s.capacity,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Loads:     s.loads.Load(),
		LoadError: s.loadErrors.Load(),
		Evictions: s.evictions.Load(),
	}
}
