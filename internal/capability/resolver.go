// Package capability decides which authoring actions a caller may take.
// Capabilities come from a static role-to-capability policy and are cached
// per subject and tenant.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/approvalflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	onLookup func(hit bool)
}

// NewResolver creates a new Resolver with the given evaluator and cache
// settings.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int) *Resolver {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// OnLookup registers a callback reporting every cache hit or miss.
func (r *Resolver) OnLookup(fn func(hit bool)) {
	r.onLookup = fn
}

func cacheKey(subjectID, tenantID string) string {
	return subjectID + ":" + tenantID
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx.SubjectID, rctx.TenantID)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		r.report(true)
		return entry.caps, nil
	}
	r.report(false)

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxEntries {
		r.evictExpired()
	}
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given user and tenant. An
// empty subjectID clears the whole tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subjectID != "" {
		delete(r.cache, cacheKey(subjectID, tenantID))
		return
	}
	suffix := ":" + tenantID
	for key := range r.cache {
		if strings.HasSuffix(key, suffix) {
			delete(r.cache, key)
		}
	}
}

// InvalidateAll clears every cached capability set.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

// evictExpired must be called with mu held.
func (r *Resolver) evictExpired() {
	now := r.now()
	for k, v := range r.cache {
		if !now.Before(v.expires) {
			delete(r.cache, k)
		}
	}
}

func (r *Resolver) report(hit bool) {
	if r.onLookup != nil {
		r.onLookup(hit)
	}
}
