package roles

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/approvalflow/model"
)

// CachedDirectory keeps each tenant's role list for a TTL. Failed fetches
// are not cached.
type CachedDirectory struct {
	next       Directory
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	onLookup func(hit bool)
}

type cacheEntry struct {
	roles     []model.Role
	expiresAt time.Time
}

// NewCachedDirectory wraps next with a TTL cache.
func NewCachedDirectory(next Directory, ttl time.Duration, maxEntries int) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CachedDirectory{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// OnLookup registers a callback reporting every cache hit or miss.
func (c *CachedDirectory) OnLookup(fn func(hit bool)) {
	c.onLookup = fn
}

// ListRoles serves from cache or falls through to the wrapped directory.
func (c *CachedDirectory) ListRoles(ctx context.Context) ([]model.Role, error) {
	key := cacheKey(ctx)

	if roles, hit := c.get(key); hit {
		c.report(true)
		return roles, nil
	}
	c.report(false)

	roles, err := c.next.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	c.put(key, roles)
	return copyRoles(roles), nil
}

// Invalidate drops the cached list of one tenant, or every tenant when
// tenantID is empty.
func (c *CachedDirectory) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tenantID == "" {
		c.cache = make(map[string]cacheEntry)
		return
	}
	delete(c.cache, tenantID)
}

// Len returns the number of cached entries. For testing.
func (c *CachedDirectory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *CachedDirectory) get(key string) ([]model.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return copyRoles(entry.roles), true
}

func (c *CachedDirectory) put(key string, roles []model.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= c.maxEntries {
		c.evictExpired()
	}
	c.cache[key] = cacheEntry{
		roles:     copyRoles(roles),
		expiresAt: c.now().Add(c.ttl),
	}
}

// evictExpired must be called with mu held.
func (c *CachedDirectory) evictExpired() {
	now := c.now()
	for k, v := range c.cache {
		if now.After(v.expiresAt) {
			delete(c.cache, k)
		}
	}
}

func (c *CachedDirectory) report(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

func cacheKey(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.TenantID
	}
	return ""
}

func copyRoles(in []model.Role) []model.Role {
	if in == nil {
		return nil
	}
	out := make([]model.Role, len(in))
	copy(out, in)
	return out
}
