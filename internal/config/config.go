// Package config holds the service configuration: a YAML file layered over
// built-in defaults, then APPROVALFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Roles         RolesConfig         `yaml:"roles"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds listener and timeout settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig names the token issuer and how claims map onto a
// RequestContext.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes where saved workflow definitions live.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SessionsConfig describes authoring session storage and the save lock.
type SessionsConfig struct {
	Driver      string        `yaml:"driver"`
	AddrEnv     string        `yaml:"addr_env"`
	DB          int           `yaml:"db"`
	TTL         time.Duration `yaml:"ttl"`
	SaveLockTTL time.Duration `yaml:"save_lock_ttl"`
}

// RolesConfig describes the approver role directory.
type RolesConfig struct {
	Source         string               `yaml:"source"`
	StaticFile     string               `yaml:"static_file"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Cache          CacheConfig          `yaml:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker in front of the role directory.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// CapabilityConfig points at the role to capability policy.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig bounds an in-process cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// TemplatesConfig describes where to find workflow template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
}

// ObservabilityConfig groups log, trace and metric settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig selects the span exporter and sampling rate.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns the configuration used for anything the file leaves out.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    20 * time.Second,
			HandlerTimeout:  10 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Traceparent"},
				MaxAge:         600,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256", "ES256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
				"department": "department",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "APPROVALFLOW_DATABASE_URL",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Sessions: SessionsConfig{
			Driver:      "memory",
			AddrEnv:     "APPROVALFLOW_REDIS_ADDR",
			TTL:         2 * time.Hour,
			SaveLockTTL: 30 * time.Second,
		},
		Roles: RolesConfig{
			Source:  "static",
			Timeout: 3 * time.Second,
			Cache:   CacheConfig{TTL: 10 * time.Minute, MaxEntries: 500},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{TTL: 5 * time.Minute, MaxEntries: 5000},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/etc/approvalflow/templates"},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing:   TracingConfig{Exporter: "otlp", SamplingRate: 0.1},
			Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		},
	}
}

// Load reads the YAML file at path over Defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnvOverrides(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	problem := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problem("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	for name, v := range map[string]string{
		"identity.issuer":   c.Identity.Issuer,
		"identity.audience": c.Identity.Audience,
		"identity.jwks_url": c.Identity.JWKSURL,
	} {
		if v == "" {
			problem("%s is required", name)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			problem("store.dsn_env is required for the postgres driver")
		}
	default:
		problem("store.driver %q must be memory or postgres", c.Store.Driver)
	}

	switch c.Sessions.Driver {
	case "memory":
	case "redis":
		if c.Sessions.AddrEnv == "" {
			problem("sessions.addr_env is required for the redis driver")
		}
	default:
		problem("sessions.driver %q must be memory or redis", c.Sessions.Driver)
	}
	if c.Sessions.TTL <= 0 {
		problem("sessions.ttl must be positive")
	}
	if c.Sessions.SaveLockTTL <= 0 {
		problem("sessions.save_lock_ttl must be positive")
	}

	switch c.Roles.Source {
	case "static":
		if c.Roles.StaticFile == "" {
			problem("roles.static_file is required for the static source")
		}
	case "http":
		if c.Roles.BaseURL == "" {
			problem("roles.base_url is required for the http source")
		}
	default:
		problem("roles.source %q must be static or http", c.Roles.Source)
	}

	return errors.Join(errs...)
}

// envBindings maps environment variables onto string settings.
func envBindings(cfg *Config) map[string]*string {
	return map[string]*string{
		"APPROVALFLOW_IDENTITY_ISSUER":          &cfg.Identity.Issuer,
		"APPROVALFLOW_IDENTITY_AUDIENCE":        &cfg.Identity.Audience,
		"APPROVALFLOW_IDENTITY_JWKS_URL":        &cfg.Identity.JWKSURL,
		"APPROVALFLOW_OBSERVABILITY_LOG_LEVEL":  &cfg.Observability.LogLevel,
		"APPROVALFLOW_OBSERVABILITY_LOG_FORMAT": &cfg.Observability.LogFormat,
		"APPROVALFLOW_STORE_DRIVER":             &cfg.Store.Driver,
		"APPROVALFLOW_SESSIONS_DRIVER":          &cfg.Sessions.Driver,
		"APPROVALFLOW_ROLES_BASE_URL":           &cfg.Roles.BaseURL,
	}
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	for name, dst := range envBindings(cfg) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("APPROVALFLOW_SERVER_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}
