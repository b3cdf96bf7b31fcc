package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/approvalflow/model"
)

// RoleService is a configurable stand-in for the remote approver role
// directory. It records every request it receives.
type RoleService struct {
	server *httptest.Server

	mu       sync.Mutex
	roles    []model.Role
	status   int
	delay    time.Duration
	received []http.Header
}

func newRoleService(t *testing.T, roles []model.Role) *RoleService {
	t.Helper()
	rs := &RoleService{roles: roles, status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /roles", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.received = append(rs.received, r.Header.Clone())
		status, delay, list := rs.status, rs.delay, rs.roles
		rs.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			json.NewEncoder(w).Encode(map[string]string{"code": "UNAVAILABLE", "message": "role directory down"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": list})
	})

	rs.server = httptest.NewServer(mux)
	t.Cleanup(rs.server.Close)
	return rs
}

// URL returns the base URL of the role service.
func (rs *RoleService) URL() string {
	return rs.server.URL
}

// FailWith makes subsequent requests answer with status.
func (rs *RoleService) FailWith(status int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
}

// Recover restores successful responses.
func (rs *RoleService) Recover() {
	rs.FailWith(http.StatusOK)
}

// SetDelay delays every response.
func (rs *RoleService) SetDelay(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.delay = d
}

// Calls returns how many requests reached the service.
func (rs *RoleService) Calls() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.received)
}

// LastHeaders returns the headers of the most recent request.
func (rs *RoleService) LastHeaders() http.Header {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.received) == 0 {
		return nil
	}
	return rs.received[len(rs.received)-1]
}
