// Package integration drives the approvalflow HTTP API end to end against
// real middleware, token verification and a Redis-protocol session store.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/approvalflow/internal/authoring"
	"github.com/pitabwire/approvalflow/internal/capability"
	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/internal/definition"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/internal/roles"
	"github.com/pitabwire/approvalflow/internal/session"
	"github.com/pitabwire/approvalflow/internal/transport"
	"github.com/pitabwire/approvalflow/internal/workflow"
	"github.com/pitabwire/approvalflow/model"
)

const apiPrefix = "/api/v1"

// TestHarness is a running server plus handles on the collaborators tests
// need to poke at.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	issuer *tokenIssuer

	Registry      *definition.Registry
	WorkflowStore *workflow.MemoryWorkflowStore
	Redis         *miniredis.Miniredis
	Roles         *RoleService
	RoleDirectory *roles.HTTPDirectory
	Metrics       *observability.Metrics
}

// HarnessOption adjusts the harness before the server starts.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	policyFile     string
	handlerTimeout time.Duration
	roleTimeout    time.Duration
	breaker        config.CircuitBreakerConfig
	roles          []model.Role
}

// WithRoleTimeout bounds each call to the fake role service.
func WithRoleTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.roleTimeout = d }
}

// WithBreaker replaces the breaker settings of the role directory client.
func WithBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cfg }
}

func defaultHarnessConfig() *harnessConfig {
	dir := testdataDir()
	return &harnessConfig{
		templateDirs:   []string{filepath.Join(dir, "templates")},
		policyFile:     filepath.Join(dir, "policies.yaml"),
		handlerTimeout: 10 * time.Second,
		roleTimeout:    2 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		roles: []model.Role{
			{ID: "manager", DisplayName: "Line Manager"},
			{ID: "finance_manager", DisplayName: "Finance Manager"},
			{ID: "accountant", DisplayName: "Accountant"},
		},
	}
}

// NewTestHarness wires the real router over in-memory workflows, a
// miniredis session store, a fake role service and a local token issuer.
// Everything is torn down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	hc := defaultHarnessConfig()
	for _, opt := range opts {
		opt(hc)
	}

	templates, err := definition.NewLoader().LoadAll(hc.templateDirs)
	require.NoError(t, err, "load templates")
	policy, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	require.NoError(t, err, "load policy")

	h := &TestHarness{
		t:             t,
		issuer:        newTokenIssuer(t),
		Registry:      definition.NewRegistry(templates),
		WorkflowStore: workflow.NewMemoryWorkflowStore(),
		Redis:         miniredis.RunT(t),
		Roles:         newRoleService(t, hc.roles),
		Metrics:       observability.NewMetrics(prometheus.NewRegistry()),
		client:        &http.Client{Timeout: 10 * time.Second},
	}

	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions := session.NewRedisStore(rdb, time.Hour)

	h.RoleDirectory = roles.NewHTTPDirectory(config.RolesConfig{
		Source:         "http",
		BaseURL:        h.Roles.URL(),
		Timeout:        hc.roleTimeout,
		CircuitBreaker: hc.breaker,
	})
	h.RoleDirectory.Breaker().OnStateChange(func(s roles.BreakerState) {
		h.Metrics.SetRoleDirectoryBreakerState(s.String())
	})
	directory := roles.NewCachedDirectory(h.RoleDirectory, time.Minute, 100)
	directory.OnLookup(h.Metrics.RecordRoleCacheLookup)

	svc := authoring.NewService(h.WorkflowStore, sessions, session.NewRedisSaveGuard(rdb, 30*time.Second), directory, h.Registry,
		authoring.WithLogger(zap.NewNop()),
		authoring.WithMetrics(h.Metrics),
	)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             zap.NewNop(),
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, nil)),
		CapabilityResolver: capability.NewResolver(policy, 0, 0),
		Service:            svc,
		Metrics:            h.Metrics,
		Readiness: observability.ReadinessChecks{
			TemplatesReady: func() bool { return h.Registry.Len() > 0 },
			Dependencies: map[string]observability.HealthChecker{
				"session_store": observability.HealthCheckFunc(sessions.Ping),
			},
		},
	}))
	t.Cleanup(h.server.Close)
	return h
}

// GenerateToken signs a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken signs a token for claims that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET, POST, PUT, PATCH and DELETE call paths under /api/v1.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, apiPrefix+path, nil, token)
}

func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, apiPrefix+path, body, token)
}

func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, apiPrefix+path, body, token)
}

func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, apiPrefix+path, body, token)
}

func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodDelete, apiPrefix+path, nil, token)
}

// Do sends body as JSON to a server-absolute path. An empty token sends no
// Authorization header.
func (h *TestHarness) Do(method, path string, body any, token string) *http.Response {
	h.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&payload).Encode(body), "encode request body")
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, &payload)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// AssertStatus fails t unless resp has status want. The body is consumed.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	body := drain(resp)
	assert.Equal(t, want, resp.StatusCode, "body: %s", body)
}

// AssertJSON requires status want and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	body := drain(resp)
	require.Equal(t, want, resp.StatusCode, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, target), "body: %s", body)
}

// ErrorCode returns the code of the error envelope in resp.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var env struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	body := drain(resp)
	require.NoError(h.t, json.Unmarshal(body, &env), "body: %s", body)
	return env.Error.Code
}

func drain(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body
}

// --- Default test claims ---

// DesignerClaims returns TestClaims for a user who may edit but not save.
func DesignerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-designer",
		TenantID:  "acme-corp",
		Email:     "designer@acme.example.com",
		Roles:     []string{"workflow_designer"},
	}
}

// PublisherClaims returns TestClaims for a user who may edit and save.
func PublisherClaims() TestClaims {
	return TestClaims{
		SubjectID:  "user-publisher",
		TenantID:   "acme-corp",
		Email:      "publisher@acme.example.com",
		Department: "finance",
		Roles:      []string{"workflow_designer", "workflow_publisher"},
	}
}

// ViewerClaims returns TestClaims for a read-only user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"workflow_viewer"},
	}
}

// OtherTenantClaims returns TestClaims for an administrator of another tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Email:     "admin@globex.example.com",
		Roles:     []string{"workflow_admin"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// SessionPath returns the API path of a session sub-resource.
func SessionPath(sessionID string, parts ...string) string {
	p := "/sessions/" + sessionID
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
