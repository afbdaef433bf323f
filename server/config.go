package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded login and session defaults
const (
	DefaultSessionTTL  = 7 * 24 * time.Hour
	DefaultStateTTL    = 10 * time.Minute
	DefaultHTTPTimeout = 10 * time.Second
	MinJWTSecretLength = 32
)

// Google endpoints
const (
	GoogleAuthURL           = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL          = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL       = "https://www.googleapis.com/oauth2/v2/userinfo"
	GoogleOpenIDUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	GoogleIssuer            = "https://accounts.google.com"
	GoogleJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML, the
// secret store and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Login       LoginConfig       `yaml:"login"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Google      GoogleConfig      `yaml:"google"`
	DevProvider DevProviderConfig `yaml:"dev_provider"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	FrontendURL     string     `yaml:"frontend_url"`
	ListenAddr      string     `yaml:"listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"-"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SessionConfig tunes the session credential and its cookie.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	Issuer       string        `yaml:"issuer"`
	CookieDomain string        `yaml:"cookie_domain"`
	Secret       string        `yaml:"-"`
}

// LoginConfig tunes the authorization-code flow.
type LoginConfig struct {
	StateTTL time.Duration `yaml:"state_ttl"`
}

// CacheConfig selects the transient state cache.
type CacheConfig struct {
	Driver string `yaml:"driver"`
	Prefix string `yaml:"prefix"`
	URL    string `yaml:"-"`
}

// StoreConfig selects the persistent user store.
type StoreConfig struct {
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	URI         string `yaml:"-"`
}

// GoogleConfig holds the upstream endpoints and credentials.
type GoogleConfig struct {
	AuthURL           string        `yaml:"auth_url"`
	TokenURL          string        `yaml:"token_url"`
	UserInfoURL       string        `yaml:"userinfo_url"`
	OpenIDUserInfoURL string        `yaml:"openid_userinfo_url"`
	Issuer            string        `yaml:"issuer"`
	JWKSURL           string        `yaml:"jwks_url"`
	VerifyIDToken     bool          `yaml:"verify_id_token"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	ClientID          string        `yaml:"-"`
	ClientSecret      string        `yaml:"-"`
	RedirectURL       string        `yaml:"-"`
}

// DevProviderConfig enables the built-in development identity provider.
type DevProviderConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads the optional YAML config file, layers the secret store on
// top and then applies YAUTHD_* environment overrides.
func LoadConfig(path string, secrets *SecretStore) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		// An empty file decodes to io.EOF and keeps the defaults.
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	if len(cfg.Server.CORS.AllowedOrigins) == 0 && cfg.Server.FrontendURL != "" {
		cfg.Server.CORS.AllowedOrigins = []string{strings.TrimSuffix(cfg.Server.FrontendURL, "/")}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8000",
			FrontendURL:     "http://localhost:3000",
			ListenAddr:      "0.0.0.0:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Sessions: SessionConfig{
			TTL:    DefaultSessionTTL,
			Issuer: "yauthd",
		},
		Login: LoginConfig{
			StateTTL: DefaultStateTTL,
		},
		Cache: CacheConfig{
			Driver: "redis",
			Prefix: "oauth_state",
		},
		Store: StoreConfig{
			MaxConns:    5,
			AutoMigrate: true,
		},
		Google: GoogleConfig{
			AuthURL:           GoogleAuthURL,
			TokenURL:          GoogleTokenURL,
			UserInfoURL:       GoogleUserInfoURL,
			OpenIDUserInfoURL: GoogleOpenIDUserInfoURL,
			Issuer:            GoogleIssuer,
			JWKSURL:           GoogleJWKSURL,
			HTTPTimeout:       DefaultHTTPTimeout,
		},
		DevProvider: DevProviderConfig{
			Enabled: true,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applySecrets copies deployment secrets into the config. A non-empty secret
// always wins over the file.
func applySecrets(cfg *Config, secrets *SecretStore) {
	if secrets == nil {
		return
	}
	cfg.Server.DevMode = !secrets.Prod()
	if !cfg.Server.DevMode {
		cfg.DevProvider.Enabled = false
	}

	set := func(dst *string, key string) {
		if v := strings.TrimSpace(secrets.Get(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.PublicURL, SecretBackendURL)
	set(&cfg.Server.FrontendURL, SecretFrontendURL)
	set(&cfg.Sessions.Secret, SecretJWTSecret)
	set(&cfg.Cache.URL, SecretRedisURL)
	set(&cfg.Store.URI, SecretDBURI)
	set(&cfg.Google.ClientID, SecretGoogleClientID)
	set(&cfg.Google.ClientSecret, SecretGoogleClientSecret)
	set(&cfg.Google.RedirectURL, SecretGoogleRedirectURL)
	if port := strings.TrimSpace(secrets.Get(SecretPort)); port != "" {
		cfg.Server.ListenAddr = "0.0.0.0:" + port
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"YAUTHD_SERVER_LISTEN_ADDR":       func(v string) { cfg.Server.ListenAddr = v },
		"YAUTHD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"YAUTHD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"YAUTHD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"YAUTHD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"YAUTHD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"YAUTHD_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"YAUTHD_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"YAUTHD_SESSIONS_COOKIE_DOMAIN":   func(v string) { cfg.Sessions.CookieDomain = v },
		"YAUTHD_LOGIN_STATE_TTL":          func(v string) { cfg.Login.StateTTL = parseDuration(v, cfg.Login.StateTTL) },
		"YAUTHD_CACHE_DRIVER":             func(v string) { cfg.Cache.Driver = v },
		"YAUTHD_STORE_MAX_CONNS":          func(v string) { cfg.Store.MaxConns = parseInt32(v, cfg.Store.MaxConns) },
		"YAUTHD_STORE_AUTO_MIGRATE":       func(v string) { cfg.Store.AutoMigrate = parseBool(v, cfg.Store.AutoMigrate) },
		"YAUTHD_GOOGLE_VERIFY_ID_TOKEN":   func(v string) { cfg.Google.VerifyIDToken = parseBool(v, cfg.Google.VerifyIDToken) },
		"YAUTHD_GOOGLE_HTTP_TIMEOUT":      func(v string) { cfg.Google.HTTPTimeout = parseDuration(v, cfg.Google.HTTPTimeout) },
		"YAUTHD_DEV_PROVIDER_ENABLED":     func(v string) { cfg.DevProvider.Enabled = parseBool(v, cfg.DevProvider.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt32(val string, fallback int32) int32 {
	n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SecureCookies reports whether the session cookie carries the Secure attribute.
// The frontend origin decides because that is where the browser stores the cookie.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.Server.FrontendURL), "https://")
}

// Validate performs sanity checks on the merged config.
func (c Config) Validate() error {
	if err := requireHTTPURL("server.public_url", c.Server.PublicURL); err != nil {
		return err
	}
	if err := requireHTTPURL("server.frontend_url", c.Server.FrontendURL); err != nil {
		return err
	}

	if c.Sessions.Secret == "" {
		slog.Error("Missing required secret", "field", SecretJWTSecret)
		return errors.New("JWT_SECRET is required")
	}
	if !c.Server.DevMode {
		if c.Sessions.Secret == DevJWTSecret || len(c.Sessions.Secret) < MinJWTSecretLength {
			slog.Error("Weak signing secret in production", "field", SecretJWTSecret, "min_length", MinJWTSecretLength)
			return fmt.Errorf("JWT_SECRET must be at least %d bytes and not the development default in production", MinJWTSecretLength)
		}
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Login.StateTTL <= 0 {
		return errors.New("login.state_ttl must be positive")
	}

	switch strings.ToLower(c.Cache.Driver) {
	case "redis":
		if c.Cache.URL == "" {
			slog.Error("Missing required secret", "field", SecretRedisURL)
			return errors.New("REDIS_URL is required for the redis cache driver")
		}
	case "memory":
		if !c.Server.DevMode {
			slog.Warn("Memory state cache in production", "reason", "login state is not shared between replicas")
		}
	default:
		slog.Error("Invalid cache driver", "field", "cache.driver", "value", c.Cache.Driver, "valid_values", []string{"redis", "memory"})
		return fmt.Errorf("cache.driver must be 'redis' or 'memory', got: %s", c.Cache.Driver)
	}

	if c.Store.URI == "" {
		slog.Error("Missing required secret", "field", SecretDBURI)
		return errors.New("DB_URI is required")
	}
	if c.Store.MaxConns < 0 {
		return errors.New("store.max_conns must not be negative")
	}

	if c.Google.HTTPTimeout <= 0 {
		return errors.New("google.http_timeout must be positive")
	}
	if !c.Server.DevMode {
		missing := []string{}
		if c.Google.ClientID == "" {
			missing = append(missing, SecretGoogleClientID)
		}
		if c.Google.ClientSecret == "" {
			missing = append(missing, SecretGoogleClientSecret)
		}
		if c.Google.RedirectURL == "" {
			missing = append(missing, SecretGoogleRedirectURL)
		}
		if len(missing) > 0 {
			slog.Error("Missing Google credentials in production", "fields", missing)
			return fmt.Errorf("missing required secrets: %s", strings.Join(missing, ", "))
		}
		if c.DevProvider.Enabled {
			return errors.New("dev_provider.enabled is not allowed in production")
		}
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host
	// e.g. public_url: api.example.com -> cookie_domain: .example.com
	if c.Sessions.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Sessions.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "sessions.cookie_domain",
				"cookie_domain", c.Sessions.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("sessions.cookie_domain '%s' does not match server.public_url domain '%s'", c.Sessions.CookieDomain, host)
		}
	}

	return nil
}

func requireHTTPURL(field, val string) error {
	if val == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(val)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", val, "reason", "must start with http:// or https://")
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, val)
	}
	return nil
}
