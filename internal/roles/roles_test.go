package roles

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/model"
)

// --- StaticDirectory ---

func TestLoadStaticDirectory(t *testing.T) {
	dir, err := LoadStaticDirectory("testdata/roles.yaml")
	require.NoError(t, err)

	roles, err := dir.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 3)

	assert.Equal(t, "manager", roles[0].ID)
	assert.Equal(t, "Line Manager", roles[0].DisplayName)
	assert.Equal(t, "finance", roles[1].ID)
	assert.Equal(t, "hr", roles[2].DisplayName, "display name defaults to id")
}

func TestLoadStaticDirectory_missingFile(t *testing.T) {
	_, err := LoadStaticDirectory("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestStaticDirectory_returnsCopy(t *testing.T) {
	dir := NewStaticDirectory([]model.Role{{ID: "manager"}})
	roles, _ := dir.ListRoles(context.Background())
	roles[0].ID = "mutated"

	again, _ := dir.ListRoles(context.Background())
	assert.Equal(t, "manager", again[0].ID)
}

// --- HTTPDirectory ---

func newRolesServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDirectory_ListRoles(t *testing.T) {
	var gotTenant, gotAuth string
	srv := newRolesServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/roles" {
			http.NotFound(w, r)
			return
		}
		gotTenant = r.Header.Get("X-Tenant-Id")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"manager","display_name":"Manager"},{"id":"finance"}]`))
	})

	dir := NewHTTPDirectory(config.RolesConfig{BaseURL: srv.URL + "/"})
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID: "tenant-1",
		Token:    "tok\r\nX-Evil: 1",
	})

	roles, err := dir.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "Manager", roles[0].DisplayName)
	assert.Equal(t, "finance", roles[1].DisplayName)
	assert.Equal(t, "tenant-1", gotTenant)
	assert.Equal(t, "Bearer tokX-Evil: 1", gotAuth)
}

func TestHTTPDirectory_dataEnvelope(t *testing.T) {
	srv := newRolesServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"hr","display_name":"HR"}]}`))
	})

	roles, err := NewHTTPDirectory(config.RolesConfig{BaseURL: srv.URL}).ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "hr", roles[0].ID)
}

func TestHTTPDirectory_serverError(t *testing.T) {
	srv := newRolesServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := NewHTTPDirectory(config.RolesConfig{BaseURL: srv.URL}).ListRoles(context.Background())
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
}

func TestHTTPDirectory_clientErrorKeepsBreakerClosed(t *testing.T) {
	srv := newRolesServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	dir := NewHTTPDirectory(config.RolesConfig{
		BaseURL:        srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 1},
	})
	_, err := dir.ListRoles(context.Background())
	require.Error(t, err)
	assert.False(t, model.HasCode(err, model.ErrBackendUnavailable))
	assert.Equal(t, BreakerClosed, dir.Breaker().State())
}

func TestHTTPDirectory_timeout(t *testing.T) {
	srv := newRolesServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	dir := NewHTTPDirectory(config.RolesConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := dir.ListRoles(context.Background())
	assert.True(t, model.HasCode(err, model.ErrBackendTimeout), "err = %v", err)
}

func TestHTTPDirectory_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPDirectory(config.RolesConfig{BaseURL: url}).ListRoles(context.Background())
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
}

func TestHTTPDirectory_breakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := newRolesServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	dir := NewHTTPDirectory(config.RolesConfig{
		BaseURL: srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			Timeout:          time.Hour,
		},
	})
	for i := 0; i < 4; i++ {
		_, _ = dir.ListRoles(context.Background())
	}

	assert.Equal(t, int32(2), calls.Load(), "open breaker must short-circuit")
	assert.Equal(t, BreakerOpen, dir.Breaker().State())
}

// --- CachedDirectory ---

type countingDirectory struct {
	calls int
	roles []model.Role
	err   error
}

func (d *countingDirectory) ListRoles(context.Context) ([]model.Role, error) {
	d.calls++
	return d.roles, d.err
}

func tenantCtx(tenantID string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{TenantID: tenantID})
}

func TestCachedDirectory_hitAndExpiry(t *testing.T) {
	next := &countingDirectory{roles: []model.Role{{ID: "manager"}}}
	cache := NewCachedDirectory(next, time.Minute, 10)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache.now = clock.now

	var hits, misses int
	cache.OnLookup(func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})

	_, _ = cache.ListRoles(tenantCtx("t1"))
	_, _ = cache.ListRoles(tenantCtx("t1"))
	assert.Equal(t, 1, next.calls)

	clock.advance(2 * time.Minute)
	_, _ = cache.ListRoles(tenantCtx("t1"))
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)
}

func TestCachedDirectory_perTenant(t *testing.T) {
	next := &countingDirectory{roles: []model.Role{{ID: "manager"}}}
	cache := NewCachedDirectory(next, time.Minute, 10)

	_, _ = cache.ListRoles(tenantCtx("t1"))
	_, _ = cache.ListRoles(tenantCtx("t2"))
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate("t1")
	assert.Equal(t, 1, cache.Len())
	cache.Invalidate("")
	assert.Equal(t, 0, cache.Len())
}

func TestCachedDirectory_errorsNotCached(t *testing.T) {
	next := &countingDirectory{err: errors.New("down")}
	cache := NewCachedDirectory(next, time.Minute, 10)

	_, err := cache.ListRoles(tenantCtx("t1"))
	require.Error(t, err)
	_, _ = cache.ListRoles(tenantCtx("t1"))
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 0, cache.Len())
}

func TestCachedDirectory_isolatesCaller(t *testing.T) {
	next := &countingDirectory{roles: []model.Role{{ID: "manager"}}}
	cache := NewCachedDirectory(next, time.Minute, 10)

	roles, _ := cache.ListRoles(tenantCtx("t1"))
	roles[0].ID = "mutated"
	again, _ := cache.ListRoles(tenantCtx("t1"))
	assert.Equal(t, "manager", again[0].ID)
}

func TestDirectories_implementInterface(t *testing.T) {
	var _ Directory = (*StaticDirectory)(nil)
	var _ Directory = (*HTTPDirectory)(nil)
	var _ Directory = (*CachedDirectory)(nil)
}
