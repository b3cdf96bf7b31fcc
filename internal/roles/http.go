package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/model"
)

// maxResponseBytes caps how much of a directory response is read.
const maxResponseBytes = 10 << 20

// HTTPDirectory fetches roles from a remote data service with
// GET {base_url}/roles. The response is either a JSON array of roles or an
// object whose "data" member is that array.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	breaker *Breaker
}

// NewHTTPDirectory creates a remote directory from configuration.
func NewHTTPDirectory(cfg config.RolesConfig) *HTTPDirectory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
	}
}

// Breaker exposes the directory's circuit breaker for metrics wiring.
func (d *HTTPDirectory) Breaker() *Breaker {
	return d.breaker
}

// ListRoles calls the remote service. Unreachable or failing services map
// to BACKEND_UNAVAILABLE and deadlines to BACKEND_TIMEOUT.
func (d *HTTPDirectory) ListRoles(ctx context.Context) ([]model.Role, error) {
	if err := d.breaker.Allow(); err != nil {
		return nil, model.NewBackendUnavailableError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/roles", nil)
	if err != nil {
		return nil, fmt.Errorf("roles: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.Token != "" {
			req.Header.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		req.Header.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.Failure()
		if ctx.Err() != nil || isTimeout(err) {
			return nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError()
		}
		return nil, fmt.Errorf("roles: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		d.breaker.Failure()
		return nil, fmt.Errorf("roles: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		d.breaker.Failure()
		return nil, model.NewBackendUnavailableError()
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("roles: directory returned status %d", resp.StatusCode)
	}
	d.breaker.Success()

	roles, err := decodeRoles(body)
	if err != nil {
		return nil, fmt.Errorf("roles: decode response: %w", err)
	}
	return normalize(roles), nil
}

func decodeRoles(body []byte) ([]model.Role, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var roles []model.Role
		err := json.Unmarshal(body, &roles)
		return roles, err
	}
	var envelope struct {
		Data []model.Role `json:"data"`
	}
	err := json.Unmarshal(body, &envelope)
	return envelope.Data, err
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
