package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "approvalflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "WORKFLOW_DB_URL" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Sessions.Driver != "redis" || cfg.Sessions.TTL != time.Hour {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.SaveLockTTL != 10*time.Second {
		t.Errorf("Sessions.SaveLockTTL = %v, want 10s", cfg.Sessions.SaveLockTTL)
	}
	if cfg.Roles.Source != "http" || cfg.Roles.BaseURL != "https://directory.internal" {
		t.Errorf("Roles = %+v", cfg.Roles)
	}
	if cfg.Roles.Cache.TTL != time.Minute {
		t.Errorf("Roles.Cache.TTL = %v, want 1m", cfg.Roles.Cache.TTL)
	}
	if cfg.Roles.Cache.MaxEntries != 1000 {
		t.Errorf("Roles.Cache.MaxEntries = %d, want default 1000", cfg.Roles.Cache.MaxEntries)
	}
	if cfg.Roles.CircuitBreaker.FailureThreshold != 4 {
		t.Errorf("Roles.CircuitBreaker.FailureThreshold = %d, want 4", cfg.Roles.CircuitBreaker.FailureThreshold)
	}
	if cfg.Roles.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Roles.CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Roles.CircuitBreaker.SuccessThreshold)
	}
	if len(cfg.Templates.Directories) != 2 {
		t.Errorf("Templates.Directories = %v", cfg.Templates.Directories)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want identity.issuer message", err)
	}
}

func TestLoad_unknown_drivers(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with unknown drivers should return error")
	}
	for _, want := range []string{"store.driver", "sessions.driver", "roles.source"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want mention of %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Store.Driver != "memory" || cfg.Sessions.Driver != "memory" {
		t.Errorf("default drivers = %q/%q, want memory/memory", cfg.Store.Driver, cfg.Sessions.Driver)
	}
	if cfg.Sessions.TTL != 2*time.Hour {
		t.Errorf("default Sessions.TTL = %v, want 2h", cfg.Sessions.TTL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPROVALFLOW_SERVER_PORT", "3000")
	t.Setenv("APPROVALFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("APPROVALFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("APPROVALFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("APPROVALFLOW_STORE_DRIVER", "memory")
	t.Setenv("APPROVALFLOW_ROLES_BASE_URL", "https://env-directory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory (env override)", cfg.Store.Driver)
	}
	if cfg.Roles.BaseURL != "https://env-directory" {
		t.Errorf("Roles.BaseURL = %q, want env override", cfg.Roles.BaseURL)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "approvalflow"
	cfg.Roles.StaticFile = "roles.yaml"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults plus identity", func(*Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSNEnv = "" }, "store.dsn_env"},
		{"redis without addr", func(c *Config) { c.Sessions.Driver = "redis"; c.Sessions.AddrEnv = "" }, "sessions.addr_env"},
		{"zero session ttl", func(c *Config) { c.Sessions.TTL = 0 }, "sessions.ttl"},
		{"zero lock ttl", func(c *Config) { c.Sessions.SaveLockTTL = 0 }, "sessions.save_lock_ttl"},
		{"static roles without file", func(c *Config) { c.Roles.StaticFile = "" }, "roles.static_file"},
		{"http roles without url", func(c *Config) { c.Roles.Source = "http" }, "roles.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	t.Setenv("APPROVALFLOW_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}
