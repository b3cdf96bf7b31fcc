package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvalflow/model"
)

// SaveGuard admits one outstanding save per workflow. A lease that is never
// released expires after the guard's TTL so a crashed save cannot block the
// workflow forever.
type SaveGuard interface {
	// Acquire takes the lease for workflowID. It returns SAVE_IN_PROGRESS if
	// another save holds it. The returned token must be passed to Release.
	Acquire(ctx context.Context, tenantID, workflowID string) (token string, err error)

	// Release gives the lease back. Releasing a lease that expired or was
	// taken over by another holder is a no-op.
	Release(ctx context.Context, tenantID, workflowID, token string) error
}

// FormatSaveLockKey builds the storage key for a save lease.
func FormatSaveLockKey(tenantID, workflowID string) string {
	return fmt.Sprintf("savelock:%s:%s", tenantID, workflowID)
}

// --- MemorySaveGuard ---

// MemorySaveGuard is an in-process SaveGuard.
type MemorySaveGuard struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]lease
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewMemorySaveGuard creates a new in-process save guard.
func NewMemorySaveGuard(ttl time.Duration) *MemorySaveGuard {
	return &MemorySaveGuard{
		ttl:    ttl,
		leases: make(map[string]lease),
	}
}

// Acquire takes the lease if it is free or expired.
func (g *MemorySaveGuard) Acquire(_ context.Context, tenantID, workflowID string) (string, error) {
	key := FormatSaveLockKey(tenantID, workflowID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if l, held := g.leases[key]; held && time.Now().Before(l.expiresAt) {
		return "", model.NewSaveInProgressError(workflowID)
	}
	token := uuid.NewString()
	g.leases[key] = lease{token: token, expiresAt: time.Now().Add(g.ttl)}
	return token, nil
}

// Release frees the lease if token still owns it.
func (g *MemorySaveGuard) Release(_ context.Context, tenantID, workflowID, token string) error {
	key := FormatSaveLockKey(tenantID, workflowID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if l, held := g.leases[key]; held && l.token == token {
		delete(g.leases, key)
	}
	return nil
}

// --- RedisSaveGuard ---

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSaveGuard is a SaveGuard shared by every replica through Redis SETNX.
type RedisSaveGuard struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSaveGuard creates a new Redis-backed save guard.
func NewRedisSaveGuard(client redis.Cmdable, ttl time.Duration) *RedisSaveGuard {
	return &RedisSaveGuard{client: client, ttl: ttl}
}

// Acquire takes the lease with SETNX and TTL.
func (g *RedisSaveGuard) Acquire(ctx context.Context, tenantID, workflowID string) (string, error) {
	key := FormatSaveLockKey(tenantID, workflowID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return "", model.NewSaveInProgressError(workflowID)
	}
	return token, nil
}

// Release deletes the lease if token still owns it.
func (g *RedisSaveGuard) Release(ctx context.Context, tenantID, workflowID, token string) error {
	key := FormatSaveLockKey(tenantID, workflowID)
	if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release save lock %q: %w", key, err)
	}
	return nil
}
