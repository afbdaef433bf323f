package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"yauthd/client"
)

// SessionIssuer mints session credentials and the cookie that carries them.
type SessionIssuer struct {
	secret       []byte
	issuer       string
	ttl          time.Duration
	secure       bool
	cookieDomain string
	validator    *client.Validator
	now          func() time.Time
}

// NewSessionIssuer constructs an issuer honouring config. It fails when no
// signing secret is configured.
func NewSessionIssuer(cfg Config) (*SessionIssuer, error) {
	if cfg.Sessions.Secret == "" {
		return nil, errors.New("session signing secret required")
	}
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	validator, err := client.NewValidator(client.ValidatorConfig{
		Secret: []byte(cfg.Sessions.Secret),
		Issuer: cfg.Sessions.Issuer,
	})
	if err != nil {
		return nil, err
	}

	return &SessionIssuer{
		secret:       []byte(cfg.Sessions.Secret),
		issuer:       cfg.Sessions.Issuer,
		ttl:          ttl,
		secure:       cfg.SecureCookies(),
		cookieDomain: cfg.Sessions.CookieDomain,
		validator:    validator,
		now:          time.Now,
	}, nil
}

// Mint signs an HS256 credential whose subject is the user id.
func (si *SessionIssuer) Mint(userID int64) (string, time.Time, error) {
	now := si.now()
	exp := now.Add(si.ttl)
	claims := client.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    si.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(si.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Cookie wraps a credential for Set-Cookie.
func (si *SessionIssuer) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     client.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   si.cookieDomain,
		HttpOnly: true,
		Secure:   si.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(si.ttl.Seconds()),
	}
}

// Fetch returns the verified claims of the request credential.
func (si *SessionIssuer) Fetch(r *http.Request) (*client.SessionClaims, error) {
	raw := client.TokenFromRequest(r)
	if raw == "" {
		return nil, http.ErrNoCookie
	}
	return si.validator.Validate(raw)
}

// Clear removes the session cookie for logout.
func (si *SessionIssuer) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     client.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   si.cookieDomain,
		HttpOnly: true,
		Secure:   si.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
