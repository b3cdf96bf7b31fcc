package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Version and Commit are set at link time with -ldflags -X.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body, one entry per check.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (c CheckResult) ok() bool { return c.Status == checkOK }

// HealthChecker is a dependency that can report whether it is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function such as a store's Ping to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// TemplatesReady reports whether the template catalog finished loading.
	// Always checked; nil counts as not ready.
	TemplatesReady func() bool

	// Dependencies are checked concurrently by name. Nil entries are skipped.
	Dependencies map[string]HealthChecker
}

const (
	checkTimeout = 2 * time.Second
	checkOK      = "ok"
	checkFailed  = "error"
)

// HandleHealth answers liveness probes with the build identity.
func HandleHealth() http.HandlerFunc {
	body := HealthResponse{Status: checkOK, Version: Version, Commit: Commit}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, body)
	}
}

// HandleReady answers readiness probes. The template catalog is checked
// inline and every dependency concurrently under checkTimeout; any failure
// turns the response into 503 not_ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"templates": templatesCheck(checks.TemplatesReady)}
		var mu sync.Mutex

		g, ctx := errgroup.WithContext(r.Context())
		for name, checker := range checks.Dependencies {
			if checker == nil {
				continue
			}
			g.Go(func() error {
				res := runCheck(ctx, checker)
				mu.Lock()
				results[name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if !res.ok() {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

func templatesCheck(ready func() bool) CheckResult {
	if ready != nil && ready() {
		return CheckResult{Status: checkOK}
	}
	return CheckResult{Status: checkFailed, Error: "template catalog not loaded"}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: checkOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = checkFailed, err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
