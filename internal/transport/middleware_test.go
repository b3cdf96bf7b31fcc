package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/model"
)

func withClaims(r *http.Request, claims map[string]any) *http.Request {
	return r.WithContext(WithClaims(r.Context(), claims))
}

func noContent(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil step")
	}))

	w := serve(h, http.MethodPost, "/api/v1/sessions/s-1/save")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, model.ErrInternalError, decodeError(t, w).Code)
	assert.Equal(t, 1, logs.Len(), "panic should be logged")

	assert.Equal(t, http.StatusNoContent, serve(Recovery(nil)(http.HandlerFunc(noContent)), http.MethodGet, "/").Code)
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{testOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}

	tests := []struct {
		name        string
		method      string
		origin      string
		wantStatus  int
		wantAllowed string
		wantMaxAge  string
	}{
		{name: "preflight", method: http.MethodOptions, origin: testOrigin, wantStatus: http.StatusNoContent, wantAllowed: testOrigin, wantMaxAge: "600"},
		{name: "simple allowed", method: http.MethodGet, origin: testOrigin, wantStatus: http.StatusNoContent, wantAllowed: testOrigin, wantMaxAge: "600"},
		{name: "foreign origin", method: http.MethodGet, origin: "https://phish.example.com", wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				noContent(w, r)
			}))
			req := httptest.NewRequest(tt.method, "/api/v1/templates", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllowed, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantMaxAge, w.Header().Get("Access-Control-Max-Age"))
			assert.Equal(t, tt.method != http.MethodOptions, reached, "preflight must not reach the handler")
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantKept bool
	}{
		{name: "generated"},
		{name: "propagated", inbound: "corr-7f3a", wantKept: true},
		{name: "oversized replaced", inbound: strings.Repeat("a", 200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inCtx string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inCtx = CorrelationIDFrom(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set("X-Correlation-Id", tt.inbound)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get("X-Correlation-Id")
			require.NotEmpty(t, got)
			assert.Equal(t, got, inCtx, "context and response ids differ")
			assert.Equal(t, tt.wantKept, got == tt.inbound)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(http.HandlerFunc(noContent)), http.MethodGet, "/")

	for header, want := range map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	} {
		assert.Equal(t, want, w.Header().Get(header), header)
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		paths  map[string]string
		claims map[string]any
		want   *model.RequestContext
	}{
		{
			name: "default claim paths",
			claims: map[string]any{
				"sub":        "designer-1",
				"email":      "designer@acme.example",
				"tenant_id":  "acme",
				"department": "finance",
				"roles":      []any{"workflow_designer", "workflow_viewer"},
			},
			want: &model.RequestContext{
				SubjectID:  "designer-1",
				Email:      "designer@acme.example",
				TenantID:   "acme",
				Department: "finance",
				Roles:      []string{"workflow_designer", "workflow_viewer"},
			},
		},
		{
			name:  "keycloak style paths",
			paths: map[string]string{"tenant_id": "org", "roles": "realm_access.roles"},
			claims: map[string]any{
				"sub":          "designer-2",
				"org":          "globex",
				"realm_access": map[string]any{"roles": []any{"workflow_publisher"}},
			},
			want: &model.RequestContext{
				SubjectID: "designer-2",
				TenantID:  "globex",
				Roles:     []string{"workflow_publisher"},
			},
		},
		{
			name:   "missing tenant",
			claims: map[string]any{"sub": "designer-3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *model.RequestContext
			h := BuildRequestContextMiddleware(tt.paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
				noContent(w, r)
			}))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, withClaims(httptest.NewRequest(http.MethodGet, "/", nil), tt.claims))

			if tt.want == nil {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.SubjectID, got.SubjectID)
			assert.Equal(t, tt.want.TenantID, got.TenantID)
			assert.Equal(t, tt.want.Email, got.Email)
			assert.Equal(t, tt.want.Department, got.Department)
			assert.Equal(t, tt.want.Roles, got.Roles)
		})
	}
}

func TestResolveCapabilities(t *testing.T) {
	claims := map[string]any{"sub": "designer-1", "tenant_id": "acme"}

	tests := []struct {
		name     string
		resolver model.CapabilityResolver
		status   int
	}{
		{name: "granted", resolver: &mockResolver{caps: model.CapabilitySet{model.CapDefinitionView: true}}, status: http.StatusNoContent},
		{name: "resolver error", resolver: &mockResolver{err: errors.New("policy unavailable")}, status: http.StatusForbidden},
		{name: "no resolver", resolver: nil, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := BuildRequestContextMiddleware(nil)(
				ResolveCapabilities(tt.resolver, nil)(
					RequireCapability(model.CapDefinitionView)(http.HandlerFunc(noContent))))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, withClaims(httptest.NewRequest(http.MethodGet, "/", nil), claims))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireCapability(t *testing.T) {
	h := RequireCapability(model.CapDefinitionSave)(http.HandlerFunc(noContent))

	tests := []struct {
		name   string
		caps   model.CapabilitySet
		status int
	}{
		{name: "exact", caps: model.CapabilitySet{model.CapDefinitionSave: true}, status: http.StatusNoContent},
		{name: "wildcard", caps: model.CapabilitySet{"workflows:*": true}, status: http.StatusNoContent},
		{name: "edit only", caps: model.CapabilitySet{model.CapDefinitionEdit: true}, status: http.StatusForbidden},
		{name: "none", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(WithCapabilities(req.Context(), tt.caps))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.Equal(t, model.ErrForbidden, decodeError(t, w).Code)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	probe := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	})

	serve(HandlerTimeout(100*time.Millisecond)(probe), http.MethodGet, "/")
	require.True(t, hasDeadline)
	assert.LessOrEqual(t, time.Until(deadline), 100*time.Millisecond)

	serve(HandlerTimeout(0)(probe), http.MethodGet, "/")
	assert.False(t, hasDeadline, "zero timeout sets no deadline")
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, observability.LoggerFrom(r.Context(), nil), "request logger should be in the context")
		w.WriteHeader(http.StatusConflict)
	}))

	w := serve(h, http.MethodPost, "/api/v1/sessions/s-1/save")
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotZero(t, logs.Len())

	last := logs.All()[logs.Len()-1]
	assert.Equal(t, int64(http.StatusConflict), last.ContextMap()["status"])
}
