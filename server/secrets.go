package server

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Secret keys understood by SecretStore.
const (
	SecretMode               = "MODE"
	SecretDBURI              = "DB_URI"
	SecretPort               = "PORT"
	SecretFrontendURL        = "FRONTEND_URL"
	SecretBackendURL         = "BACKEND_URL"
	SecretBackendDomain      = "BACKEND_DOMAIN"
	SecretRedisURL           = "REDIS_URL"
	SecretJWTSecret          = "JWT_SECRET"
	SecretGoogleClientID     = "GOOGLE_CLIENT_ID"
	SecretGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	SecretGoogleRedirectURL  = "GOOGLE_REDIRECT_URL"
)

// DevJWTSecret is the signing key used when MODE is not prod and JWT_SECRET is unset.
const DevJWTSecret = "secret"

type secretEnv struct {
	Mode               string `env:"MODE" envDefault:"dev"`
	DBURI              string `env:"DB_URI"`
	Port               string `env:"PORT"`
	FrontendURL        string `env:"FRONTEND_URL"`
	BackendURL         string `env:"BACKEND_URL"`
	BackendDomain      string `env:"BACKEND_DOMAIN"`
	RedisURL           string `env:"REDIS_URL" envDefault:"redis://redis:6379"`
	JWTSecret          string `env:"JWT_SECRET"`
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
}

// SecretStore is a read-only view of deployment secrets, built once at startup.
type SecretStore struct {
	values map[string]string
}

// LoadSecrets reads secrets from the process environment. Outside prod mode,
// unset values fall back to the docker-compose development defaults.
func LoadSecrets() (*SecretStore, error) {
	var e secretEnv
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}

	mode := "dev"
	if strings.EqualFold(strings.TrimSpace(e.Mode), "prod") {
		mode = "prod"
	}

	if mode == "dev" {
		setDefault(&e.DBURI, "postgresql://y:y@database:5432/y")
		setDefault(&e.Port, "8000")
		setDefault(&e.FrontendURL, "http://localhost:3000")
		setDefault(&e.BackendURL, "http://localhost:8000")
		setDefault(&e.BackendDomain, "localhost")
		setDefault(&e.JWTSecret, DevJWTSecret)
	}

	return NewSecretStore(map[string]string{
		SecretMode:               mode,
		SecretDBURI:              e.DBURI,
		SecretPort:               e.Port,
		SecretFrontendURL:        e.FrontendURL,
		SecretBackendURL:         e.BackendURL,
		SecretBackendDomain:      e.BackendDomain,
		SecretRedisURL:           e.RedisURL,
		SecretJWTSecret:          e.JWTSecret,
		SecretGoogleClientID:     e.GoogleClientID,
		SecretGoogleClientSecret: e.GoogleClientSecret,
		SecretGoogleRedirectURL:  e.GoogleRedirectURL,
	}), nil
}

// NewSecretStore copies values into a new store.
func NewSecretStore(values map[string]string) *SecretStore {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &SecretStore{values: cp}
}

// Get returns the value for key, or "" when it is not set.
func (s *SecretStore) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.values[key]
}

// Prod reports whether MODE=prod.
func (s *SecretStore) Prod() bool {
	return s.Get(SecretMode) == "prod"
}

// Summary returns slog attributes for the loaded secrets. Sensitive values
// are reported only as present or absent.
func (s *SecretStore) Summary() []any {
	attrs := make([]any, 0, len(s.values)*2)
	for k, v := range s.values {
		switch k {
		case SecretMode, SecretPort, SecretFrontendURL, SecretBackendURL, SecretBackendDomain:
			attrs = append(attrs, k, v)
		default:
			attrs = append(attrs, k, v != "")
		}
	}
	return attrs
}

func setDefault(dst *string, val string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = val
	}
}
