// Package client lets downstream services accept yauthd session credentials.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie carrying the session credential.
const SessionCookieName = "session"

// SessionClaims is the payload of a session credential. The subject is the
// decimal user id assigned by the user store.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c *SessionClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q is not a user id: %w", c.Subject, err)
	}
	return id, nil
}

// ValidatorConfig configures the session validator.
type ValidatorConfig struct {
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	Leeway time.Duration
}

// Validator verifies HS256 session credentials.
type Validator struct {
	cfg    ValidatorConfig
	parser *jwt.Parser
}

// NewValidator creates a validator. An empty secret is rejected.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Validate checks signature, expiry and issuer and returns the claims.
func (v *Validator) Validate(rawToken string) (*SessionClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}
	claims := &SessionClaims{}
	tok, err := v.parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenFromRequest returns the session cookie value, falling back to a
// Bearer Authorization header for non-browser callers.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// RequireSession middleware validates the credential and injects claims into context.
func RequireSession(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				http.Error(w, "missing session", http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(raw)
			if err != nil {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*SessionClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*SessionClaims)
	return claims, ok
}

type claimsKey struct{}
