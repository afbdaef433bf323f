package server

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func devSecrets(overrides map[string]string) *SecretStore {
	values := map[string]string{
		SecretMode:        "dev",
		SecretDBURI:       "sqlite::memory:",
		SecretPort:        "8000",
		SecretFrontendURL: "http://localhost:3000",
		SecretBackendURL:  "http://localhost:8000",
		SecretRedisURL:    "redis://redis:6379",
		SecretJWTSecret:   DevJWTSecret,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return NewSecretStore(values)
}

func prodSecrets(overrides map[string]string) *SecretStore {
	values := map[string]string{
		SecretMode:               "prod",
		SecretDBURI:              "postgresql://y:y@db:5432/y",
		SecretPort:               "9000",
		SecretFrontendURL:        "https://app.example.com",
		SecretBackendURL:         "https://api.example.com",
		SecretRedisURL:           "redis://cache:6379",
		SecretJWTSecret:          strings.Repeat("k", 48),
		SecretGoogleClientID:     "client-id",
		SecretGoogleClientSecret: "client-secret",
		SecretGoogleRedirectURL:  "https://api.example.com/auth/google/callback",
	}
	for k, v := range overrides {
		values[k] = v
	}
	return NewSecretStore(values)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDevDefaults(t *testing.T) {
	cfg, err := LoadConfig("", devSecrets(nil))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.Server.DevMode || !cfg.DevProvider.Enabled {
		t.Fatalf("expected dev mode with dev provider, got %+v", cfg.Server)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:8000" {
		t.Fatalf("unexpected listen addr %q", cfg.Server.ListenAddr)
	}
	if !reflect.DeepEqual(cfg.Server.CORS.AllowedOrigins, []string{"http://localhost:3000"}) {
		t.Fatalf("CORS origins should default to the frontend, got %v", cfg.Server.CORS.AllowedOrigins)
	}
	if cfg.Sessions.TTL != 7*24*time.Hour || cfg.Login.StateTTL != 10*time.Minute {
		t.Fatalf("unexpected TTLs %v %v", cfg.Sessions.TTL, cfg.Login.StateTTL)
	}
	if cfg.SecureCookies() {
		t.Fatalf("plaintext frontend must not set Secure cookies")
	}
}

func TestLoadConfigProduction(t *testing.T) {
	cfg, err := LoadConfig("", prodSecrets(nil))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.DevMode || cfg.DevProvider.Enabled {
		t.Fatalf("prod mode must disable dev features")
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("PORT not applied, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Google.ClientID != "client-id" || cfg.Google.RedirectURL != "https://api.example.com/auth/google/callback" {
		t.Fatalf("google secrets not applied: %+v", cfg.Google)
	}
	if !cfg.SecureCookies() {
		t.Fatalf("https frontend must set Secure cookies")
	}
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `login:
  state_ttl: 2m
cache:
  driver: memory
`)
	t.Setenv("YAUTHD_LOGIN_STATE_TTL", "5m")
	t.Setenv("YAUTHD_SERVER_CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := LoadConfig(path, devSecrets(nil))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Login.StateTTL != 5*time.Minute {
		t.Fatalf("StateTTL override mismatch, got %v", cfg.Login.StateTTL)
	}
	if cfg.Cache.Driver != "memory" {
		t.Fatalf("cache driver from file not applied, got %q", cfg.Cache.Driver)
	}
	if !reflect.DeepEqual(cfg.Server.CORS.AllowedOrigins, []string{"http://a.test", "http://b.test"}) {
		t.Fatalf("CORS override mismatch, got %v", cfg.Server.CORS.AllowedOrigins)
	}
}

func TestLoadConfigSecretsWinOverFile(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://file.example.com
  listen_addr: 127.0.0.1:1234
`)
	cfg, err := LoadConfig(path, devSecrets(map[string]string{SecretBackendURL: "http://secret.example.com"}))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "http://secret.example.com" {
		t.Fatalf("expected BACKEND_URL to win, got %q", cfg.Server.PublicURL)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:8000" {
		t.Fatalf("expected PORT to win, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	path := writeConfig(t, "# only a comment\n")
	if _, err := LoadConfig(path, devSecrets(nil)); err != nil {
		t.Fatalf("empty config should keep defaults: %v", err)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8000
  unknown_field: true
`)
	_, err := LoadConfig(path, devSecrets(nil))
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), devSecrets(nil)); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		secrets *SecretStore
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "dev_ok",
			secrets: devSecrets(nil),
		},
		{
			name:    "prod_ok",
			secrets: prodSecrets(nil),
		},
		{
			name:    "missing_jwt_secret",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Sessions.Secret = "" },
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "prod_rejects_dev_secret",
			secrets: prodSecrets(map[string]string{SecretJWTSecret: DevJWTSecret}),
			wantErr: "JWT_SECRET must be at least",
		},
		{
			name:    "prod_rejects_short_secret",
			secrets: prodSecrets(map[string]string{SecretJWTSecret: "short"}),
			wantErr: "JWT_SECRET must be at least",
		},
		{
			name:    "prod_requires_google_credentials",
			secrets: prodSecrets(map[string]string{SecretGoogleClientSecret: "", SecretGoogleRedirectURL: ""}),
			wantErr: "GOOGLE_CLIENT_SECRET, GOOGLE_REDIRECT_URL",
		},
		{
			name:    "prod_rejects_dev_provider",
			secrets: prodSecrets(nil),
			mutate:  func(c *Config) { c.DevProvider.Enabled = true },
			wantErr: "dev_provider.enabled",
		},
		{
			name:    "invalid_public_url",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Server.PublicURL = "localhost:8000" },
			wantErr: "server.public_url must start with http",
		},
		{
			name:    "missing_db_uri",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Store.URI = "" },
			wantErr: "DB_URI is required",
		},
		{
			name:    "redis_without_url",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Cache.URL = "" },
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "unknown_cache_driver",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Cache.Driver = "memcached" },
			wantErr: "cache.driver must be",
		},
		{
			name:    "memory_cache_without_url",
			secrets: devSecrets(nil),
			mutate: func(c *Config) {
				c.Cache.Driver = "memory"
				c.Cache.URL = ""
			},
		},
		{
			name:    "non_positive_state_ttl",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Login.StateTTL = 0 },
			wantErr: "login.state_ttl must be positive",
		},
		{
			name:    "invalid_tls_version",
			secrets: devSecrets(nil),
			mutate:  func(c *Config) { c.Server.TLS.MinVersion = "1.0" },
			wantErr: "server.tls.min_version",
		},
		{
			name:    "cookie_domain_mismatch",
			secrets: prodSecrets(nil),
			mutate:  func(c *Config) { c.Sessions.CookieDomain = ".other.com" },
			wantErr: "sessions.cookie_domain",
		},
		{
			name:    "cookie_domain_parent",
			secrets: prodSecrets(nil),
			mutate:  func(c *Config) { c.Sessions.CookieDomain = ".example.com" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			applySecrets(&cfg, tt.secrets)
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if !reflect.DeepEqual(out, expected) {
		t.Fatalf("unexpected split result: %v", out)
	}
}

func TestParseBoolFallback(t *testing.T) {
	cases := map[string]bool{"yes": true, "off": false, "1": true, "0": false}
	for input, want := range cases {
		if got := parseBool(input, !want); got != want {
			t.Fatalf("parseBool(%q) = %v, want %v", input, got, want)
		}
	}
	if got := parseBool("maybe", true); !got {
		t.Fatalf("expected fallback for unknown value")
	}
}

func TestParseDurationFallback(t *testing.T) {
	if got := parseDuration("15s", time.Second); got != 15*time.Second {
		t.Fatalf("parseDuration mismatch: %v", got)
	}
	if got := parseDuration("bogus", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback duration, got %v", got)
	}
}

func TestParseInt32Fallback(t *testing.T) {
	if got := parseInt32(" 12 ", 5); got != 12 {
		t.Fatalf("parseInt32 mismatch: %d", got)
	}
	if got := parseInt32("many", 5); got != 5 {
		t.Fatalf("expected fallback, got %d", got)
	}
}

func TestStripYAMLComments(t *testing.T) {
	in := []byte("# header\nserver:\n  # nested\n  listen_addr: :8000\n")
	got := string(stripYAMLComments(in))
	if strings.Contains(got, "#") {
		t.Fatalf("comments not stripped: %q", got)
	}
	if !strings.Contains(got, "listen_addr: :8000") {
		t.Fatalf("content lost: %q", got)
	}
}
