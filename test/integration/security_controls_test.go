package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/approvalflow/model"
)

func TestSecurity_missingToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/templates", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrUnauthorized {
		t.Errorf("code = %q, want %q", code, model.ErrUnauthorized)
	}
}

func TestSecurity_expiredToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/templates", h.GenerateExpiredToken(PublisherClaims()))
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_tamperedToken(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateToken(PublisherClaims())
	parts := strings.Split(token, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))

	h.AssertStatus(t, h.GET("/templates", strings.Join(parts, ".")), http.StatusUnauthorized)
}

func TestSecurity_tokenWithoutTenant(t *testing.T) {
	h := NewTestHarness(t)

	claims := PublisherClaims()
	claims.TenantID = ""
	h.AssertStatus(t, h.GET("/templates", h.GenerateToken(claims)), http.StatusUnauthorized)
}

func TestSecurity_publicEndpointsNeedNoToken(t *testing.T) {
	h := NewTestHarness(t)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			h.AssertStatus(t, h.Do("GET", path, nil, ""), http.StatusOK)
		})
	}
}

func TestSecurity_viewerCannotEdit(t *testing.T) {
	h := NewTestHarness(t)
	viewer := h.GenerateToken(ViewerClaims())

	h.AssertStatus(t, h.GET("/workflows", viewer), http.StatusOK)

	resp := h.POST("/sessions", map[string]string{"name": "Sneaky"}, viewer)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrForbidden {
		t.Errorf("code = %q, want %q", code, model.ErrForbidden)
	}
	h.AssertStatus(t, h.GET("/templates", viewer), http.StatusForbidden)
}

func TestSecurity_designerCannotSave(t *testing.T) {
	h := NewTestHarness(t)
	designer := h.GenerateToken(DesignerClaims())

	sess := openTemplate(t, h, designer)
	h.AssertStatus(t, h.POST(SessionPath(sess.ID, "steps"), nil, designer), http.StatusOK)
	h.AssertStatus(t, h.POST(SessionPath(sess.ID, "save"), nil, designer), http.StatusForbidden)

	if n := h.WorkflowStore.Len(); n != 0 {
		t.Errorf("stored workflows = %d, want 0", n)
	}
}

func TestSecurity_tenantIsolation(t *testing.T) {
	h := NewTestHarness(t)
	acme := h.GenerateToken(PublisherClaims())
	globex := h.GenerateToken(OtherTenantClaims())

	sess := openTemplate(t, h, acme)
	var saved saveResponse
	h.AssertJSON(t, h.POST(SessionPath(sess.ID, "save"), nil, acme), http.StatusOK, &saved)

	// Globex admin can see neither the session nor the stored workflow.
	h.AssertStatus(t, h.GET(SessionPath(sess.ID), globex), http.StatusNotFound)
	h.AssertStatus(t, h.GET("/workflows/"+saved.Workflow.ID, globex), http.StatusNotFound)
	h.AssertStatus(t, h.POST("/workflows/"+saved.Workflow.ID+"/sessions", nil, globex), http.StatusNotFound)

	var list struct {
		Data []model.WorkflowSummary `json:"data"`
	}
	h.AssertJSON(t, h.GET("/workflows", globex), http.StatusOK, &list)
	if len(list.Data) != 0 {
		t.Errorf("globex sees %d workflows, want 0", len(list.Data))
	}
}

func TestSecurity_securityHeadersOnAPI(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/templates", h.GenerateToken(PublisherClaims()))
	defer resp.Body.Close()

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("missing X-Correlation-Id")
	}
}
