package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultCacheTTL bounds how long a cached decision is served.
	DefaultCacheTTL    = 5 * time.Minute
	defaultCacheShards = 32
)

type cacheEntry struct {
	granted   bool
	expiresAt time.Time
}

type userBucket struct {
	entries     map[string]cacheEntry
	role        Role
	roleExpires time.Time
	hasRole     bool
}

func (b *userBucket) empty(now time.Time) bool {
	return len(b.entries) == 0 && (!b.hasRole || !b.roleExpires.After(now))
}

type cacheShard struct {
	mu    sync.RWMutex
	users map[string]*userBucket
	epoch uint64
}

// CacheConfig configures a DecisionCache.
type CacheConfig struct {
	TTL    time.Duration
	Shards int
	Now    func() time.Time
}

// DecisionCache stores per-user decisions for a fixed TTL. Users are spread
// over independently locked shards so unrelated users never contend.
//
// Every shard carries an epoch that invalidation advances. Writers capture the
// epoch before reading the store and PutAt discards their result if an
// invalidation happened in between.
type DecisionCache struct {
	ttl    time.Duration
	now    func() time.Time
	shards []*cacheShard
}

// NewDecisionCache builds a cache from cfg, applying defaults for zero values.
func NewDecisionCache(cfg CacheConfig) *DecisionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultCacheShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &DecisionCache{ttl: cfg.TTL, now: cfg.Now, shards: make([]*cacheShard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &cacheShard{users: make(map[string]*userBucket)}
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *DecisionCache) TTL() time.Duration {
	return c.ttl
}

func (c *DecisionCache) shard(userID string) *cacheShard {
	return c.shards[xxhash.Sum64String(userID)%uint64(len(c.shards))]
}

// Get returns the cached decision. Expired entries read as absent and are left
// for SweepExpired.
func (c *DecisionCache) Get(userID, key string) (granted bool, found bool) {
	s := c.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.users[userID]
	if !ok {
		return false, false
	}
	entry, ok := b.entries[key]
	if !ok || !entry.expiresAt.After(c.now()) {
		return false, false
	}
	return entry.granted, true
}

// Epoch returns the invalidation epoch covering userID.
func (c *DecisionCache) Epoch(userID string) uint64 {
	s := c.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Put stores a decision unconditionally.
func (c *DecisionCache) Put(userID, key string, granted bool) {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.put(s, userID, key, granted)
}

// PutAt stores a decision computed under epoch. It reports false and stores
// nothing when the user was invalidated since.
func (c *DecisionCache) PutAt(userID, key string, granted bool, epoch uint64) bool {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	c.put(s, userID, key, granted)
	return true
}

func (c *DecisionCache) put(s *cacheShard, userID, key string, granted bool) {
	b := s.bucket(userID)
	b.entries[key] = cacheEntry{granted: granted, expiresAt: c.now().Add(c.ttl)}
}

func (s *cacheShard) bucket(userID string) *userBucket {
	b, ok := s.users[userID]
	if !ok {
		b = &userBucket{entries: make(map[string]cacheEntry)}
		s.users[userID] = b
	}
	return b
}

// Role returns the memoised role of userID.
func (c *DecisionCache) Role(userID string) (Role, bool) {
	s := c.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.users[userID]
	if !ok || !b.hasRole || !b.roleExpires.After(c.now()) {
		return Role{}, false
	}
	return b.role, true
}

// PutRole memoises the role of userID under the same epoch rule as PutAt.
func (c *DecisionCache) PutRole(userID string, role Role, epoch uint64) bool {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	b := s.bucket(userID)
	b.role = role
	b.hasRole = true
	b.roleExpires = c.now().Add(c.ttl)
	return true
}

// InvalidateUser drops every entry of userID.
func (c *DecisionCache) InvalidateUser(userID string) {
	s := c.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	s.epoch++
}

// InvalidateAll drops every entry of every user.
func (c *DecisionCache) InvalidateAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.users = make(map[string]*userBucket)
		s.epoch++
		s.mu.Unlock()
	}
}

// SweepExpired deletes expired entries and any bucket left empty. Shards are
// locked one at a time. It returns the number of decisions removed.
func (c *DecisionCache) SweepExpired() int {
	removed := 0
	for _, s := range c.shards {
		now := c.now()
		s.mu.Lock()
		for userID, b := range s.users {
			for key, entry := range b.entries {
				if !entry.expiresAt.After(now) {
					delete(b.entries, key)
					removed++
				}
			}
			if b.hasRole && !b.roleExpires.After(now) {
				b.hasRole = false
				b.role = Role{}
			}
			if b.empty(now) {
				delete(s.users, userID)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats reports the number of cached users and decisions.
func (c *DecisionCache) Stats() CacheStats {
	var stats CacheStats
	for _, s := range c.shards {
		s.mu.RLock()
		stats.Users += len(s.users)
		for _, b := range s.users {
			stats.Entries += len(b.entries)
		}
		s.mu.RUnlock()
	}
	return stats
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (c *DecisionCache) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.SweepExpired()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// cacheKey keys unscoped decisions by permission alone and scoped ones by
// permission and scope, so a scoped override never answers an unscoped check.
// NOTE: the decision cache contract keys on (user, permission) only; the extra
// scope component is a deliberate divergence to raise with product owners.
func cacheKey(permission string, scope Scope) string {
	if scope.IsZero() {
		return permission
	}
	return permission + "@" + scope.String()
}
