package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/model"
)

const (
	clockSkew         = 30 * time.Second
	jwksFetchTimeout  = 10 * time.Second
	jwksMinRefresh    = 5 * time.Minute
	maxJWKSBodyBytes  = 1 << 20
	defaultJWKSMaxAge = time.Hour
)

var errUnsupportedKeyType = errors.New("unsupported key type")

var jwkCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// jsonWebKey holds the JWK members needed to rebuild RSA and EC
// verification keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeKeyMember("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeKeyMember("e", k.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() {
			return nil, fmt.Errorf("member e out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := jwkCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeKeyMember("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeKeyMember("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, errUnsupportedKeyType
	}
}

func decodeKeyMember(name, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("member %s is empty", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", name, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// JWKSClient keeps the identity provider's signing keys. Designers get their
// tokens from that provider; this service only verifies them.
type JWKSClient struct {
	url        string
	maxAge     time.Duration
	minRefresh time.Duration
	http       *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient returns a client for the key set at url. Keys older than
// maxAge are refetched on the next lookup. A nil logger discards output.
func NewJWKSClient(url string, maxAge time.Duration, logger *zap.Logger) *JWKSClient {
	if maxAge <= 0 {
		maxAge = defaultJWKSMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		maxAge:     maxAge,
		minRefresh: jwksMinRefresh,
		http:       &http.Client{Timeout: jwksFetchTimeout},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

// Len reports how many signing keys are held.
func (c *JWKSClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// GetKey resolves kid, refetching the key set when the key is missing or
// stale. A stale key is still served while the provider is unreachable.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	key, fresh := c.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(context.Background(), false); err != nil {
		if key != nil {
			c.logger.Warn("jwks refresh failed, serving stale key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	if key, _ = c.lookup(kid); key == nil {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

// Warm loads the key set now, bypassing the refresh throttle.
func (c *JWKSClient) Warm(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.fetchedAt) <= c.maxAge
}

// throttled holds back refetches triggered by unknown kids.
func (c *JWKSClient) throttled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
}

func (c *JWKSClient) refresh(ctx context.Context, force bool) error {
	if !force && c.throttled() {
		return nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys, c.fetchedAt = keys, time.Now()
	c.mu.Unlock()
	return nil
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: key endpoint answered %s", resp.Status)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBodyBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		switch {
		case errors.Is(err, errUnsupportedKeyType):
			continue
		case err != nil:
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (c *JWKSClient) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token header has no kid")
	}
	return c.GetKey(kid)
}

// JWTAuthenticator verifies bearer tokens against jwks and the configured
// issuer, audience and algorithms. Verified claims and the raw token are
// placed in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, r, model.NewUnauthorizedError("Missing or malformed authorization header"))
				return
			}
			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, jwks.keyFunc); err != nil {
				WriteError(w, r, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}
			ctx := withToken(WithClaims(r.Context(), claims), raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// rejectionReason maps a parse failure to the message returned to clients.
func rejectionReason(err error) string {
	reasons := []struct {
		target error
		reason string
	}{
		{jwt.ErrTokenExpired, "Token expired"},
		{jwt.ErrTokenRequiredClaimMissing, "Token is missing a required claim"},
		{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
		{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
		{jwt.ErrTokenSignatureInvalid, "Invalid token signature"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.reason
		}
	}
	switch msg := err.Error(); {
	case strings.Contains(msg, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(msg, "kid"), strings.Contains(msg, "jwks"):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}

// --- claim extraction ---

// extractClaim walks a dot-separated path through nested claim maps.
func extractClaim(claims map[string]any, path string) any {
	if claims == nil || path == "" {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	s, _ := extractClaim(claims, path).(string)
	return s
}

func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch v := extractClaim(claims, path).(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	}
	return nil
}
