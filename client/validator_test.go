package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func sign(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   "42",
		Issuer:    "yauthd",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(7 * 24 * time.Hour)),
	}
}

func TestValidateAcceptsSessionToken(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret, Issuer: "yauthd"})
	require.NoError(t, err)

	claims, err := v.Validate(sign(t, testSecret, jwt.SigningMethodHS256, validClaims()))
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestValidateRejects(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret, Issuer: "yauthd"})
	require.NoError(t, err)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims()
	noExp.ExpiresAt = nil

	otherIssuer := validClaims()
	otherIssuer.Issuer = "someone-else"

	badSubject := validClaims()
	badSubject.Subject = "not-a-number"

	other := validClaims()
	other.Subject = "43"
	good := strings.Split(sign(t, testSecret, jwt.SigningMethodHS256, validClaims()), ".")
	forged := strings.Split(sign(t, testSecret, jwt.SigningMethodHS256, other), ".")
	tampered := good[0] + "." + forged[1] + "." + good[2]

	cases := map[string]string{
		"empty":        "",
		"wrong secret": sign(t, []byte("another-secret-another-secret-xx"), jwt.SigningMethodHS256, validClaims()),
		"wrong alg":    sign(t, testSecret, jwt.SigningMethodHS512, validClaims()),
		"expired":      sign(t, testSecret, jwt.SigningMethodHS256, expired),
		"no exp":       sign(t, testSecret, jwt.SigningMethodHS256, noExp),
		"issuer":       sign(t, testSecret, jwt.SigningMethodHS256, otherIssuer),
		"subject":      sign(t, testSecret, jwt.SigningMethodHS256, badSubject),
		"tampered":     tampered,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(raw)
			assert.Error(t, err)
		})
	}
}

func TestNewValidatorRequiresSecret(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.Error(t, err)
}

func TestRequireSession(t *testing.T) {
	v, err := NewValidator(ValidatorConfig{Secret: testSecret})
	require.NoError(t, err)
	token := sign(t, testSecret, jwt.SigningMethodHS256, validClaims())

	h := RequireSession(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(claims.Subject))
	}))

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", rec.Body.String())
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage"})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
