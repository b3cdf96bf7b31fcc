// Package session keeps authoring sessions between requests and serializes
// concurrent saves of the same workflow.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvalflow/internal/builder"
	"github.com/pitabwire/approvalflow/model"
)

// Store keeps authoring sessions. Every Put refreshes the session's TTL, so
// an idle session expires and an active one does not.
type Store interface {
	// Put stores the session, replacing any previous state.
	Put(ctx context.Context, s *builder.Session) error

	// Get retrieves a session by ID, scoped to a tenant. Returns
	// SESSION_NOT_FOUND if it doesn't exist, expired, or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, sessionID string) (*builder.Session, error)

	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, tenantID, sessionID string) error
}

// FormatSessionKey builds the storage key for a session.
func FormatSessionKey(tenantID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", tenantID, sessionID)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*memEntry
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memEntry),
	}
}

// Put stores a JSON copy of the session so later mutation by the caller does
// not leak into the store.
func (m *MemoryStore) Put(_ context.Context, s *builder.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[FormatSessionKey(s.TenantID, s.ID)] = &memEntry{
		data:      data,
		expiresAt: time.Now().Add(m.ttl),
	}
	return nil
}

// Get retrieves a session, dropping it if expired.
func (m *MemoryStore) Get(_ context.Context, tenantID, sessionID string) (*builder.Session, error) {
	key := FormatSessionKey(tenantID, sessionID)

	m.mu.RLock()
	entry, exists := m.entries[key]
	m.mu.RUnlock()

	if !exists {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, model.NewSessionNotFoundError(sessionID)
	}

	var s builder.Session
	if err := json.Unmarshal(entry.data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %q: %w", sessionID, err)
	}
	return &s, nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, tenantID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, FormatSessionKey(tenantID, sessionID))
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Put stores the session in Redis with TTL.
func (r *RedisStore) Put(ctx context.Context, s *builder.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := FormatSessionKey(s.TenantID, s.ID)
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get retrieves a session from Redis.
func (r *RedisStore) Get(ctx context.Context, tenantID, sessionID string) (*builder.Session, error) {
	key := FormatSessionKey(tenantID, sessionID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	var s builder.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %q: %w", sessionID, err)
	}
	return &s, nil
}

// Delete removes a session from Redis.
func (r *RedisStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	key := FormatSessionKey(tenantID, sessionID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
