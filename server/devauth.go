package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"yauthd/cache"
)

const (
	devProviderName = "dev"
	devClientID     = "yauthd-dev-client"
	devCodeTTL      = time.Minute
	devTokenTTL     = time.Hour
)

// DevIdentityProvider is a local stand-in for Google, mounted under /dev/idp
// in development mode. It speaks the same authorize/token/userinfo shapes so
// the regular GoogleProvider drives it, PKCE checks included.
type DevIdentityProvider struct {
	publicURL    string
	clientSecret string
	grants       cache.StateCache
	logger       *slog.Logger
}

type devGrant struct {
	RedirectURI string `json:"redirect_uri"`
	Challenge   string `json:"challenge"`
	Email       string `json:"email"`
	Name        string `json:"name"`
}

// NewDevIdentityProvider stores codes and access tokens in grants.
func NewDevIdentityProvider(publicURL string, grants cache.StateCache, logger *slog.Logger) (*DevIdentityProvider, error) {
	secret, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	return &DevIdentityProvider{
		publicURL:    strings.TrimSuffix(publicURL, "/"),
		clientSecret: secret,
		grants:       grants,
		logger:       logger,
	}, nil
}

// GoogleConfig points a GoogleProvider at this IdP.
func (d *DevIdentityProvider) GoogleConfig(timeout time.Duration) GoogleConfig {
	return GoogleConfig{
		AuthURL:           d.publicURL + "/dev/idp/authorize",
		TokenURL:          d.publicURL + "/dev/idp/token",
		UserInfoURL:       d.publicURL + "/dev/idp/userinfo",
		OpenIDUserInfoURL: d.publicURL + "/dev/idp/userinfo",
		HTTPTimeout:       timeout,
		ClientID:          devClientID,
		ClientSecret:      d.clientSecret,
		RedirectURL:       d.redirectURL(),
	}
}

func (d *DevIdentityProvider) redirectURL() string {
	return d.publicURL + "/auth/" + devProviderName + "/callback"
}

// Routes returns the IdP endpoints.
func (d *DevIdentityProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/authorize", d.handleAuthorize)
	r.Post("/authorize", d.handleAuthorizeSubmit)
	r.Post("/token", d.handleToken)
	r.Get("/userinfo", d.handleUserInfo)
	return r
}

var devLoginTemplate = template.Must(template.New("devLogin").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>yauthd dev login</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 420px; color: #1d1d1f; }
label { display: block; margin-bottom: 0.5rem; font-weight: 600; }
input[type=text], input[type=email] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.notice { color: #555; }
</style>
</head>
<body>
<h1>Development sign-in</h1>
<p class="notice">Local identity provider. Available only in development mode.</p>
<form method="post" action="/dev/idp/authorize">
  <input type="hidden" name="state" value="{{.State}}" />
  <input type="hidden" name="code_challenge" value="{{.Challenge}}" />
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}" />
  <label for="email">Email</label>
  <input id="email" name="email" type="email" value="dev@example.com" required />
  <label for="name">Name</label>
  <input id="name" name="name" type="text" value="Dev User" />
  <button type="submit">Sign in</button>
</form>
</body>
</html>`))

type devLoginView struct {
	State       string
	Challenge   string
	RedirectURI string
}

func (d *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("response_type") != "code":
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	case q.Get("client_id") != devClientID:
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	case q.Get("redirect_uri") != d.redirectURL():
		http.Error(w, "redirect_uri mismatch", http.StatusBadRequest)
		return
	case q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256":
		http.Error(w, "S256 code_challenge required", http.StatusBadRequest)
		return
	case q.Get("state") == "":
		http.Error(w, "state required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	view := devLoginView{State: q.Get("state"), Challenge: q.Get("code_challenge"), RedirectURI: q.Get("redirect_uri")}
	if err := devLoginTemplate.Execute(w, view); err != nil {
		d.logger.Error("render dev login", "error", err)
	}
}

func (d *DevIdentityProvider) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	grant := devGrant{
		RedirectURI: r.PostFormValue("redirect_uri"),
		Challenge:   r.PostFormValue("code_challenge"),
		Email:       strings.TrimSpace(r.PostFormValue("email")),
		Name:        strings.TrimSpace(r.PostFormValue("name")),
	}
	state := r.PostFormValue("state")
	if grant.RedirectURI != d.redirectURL() || grant.Challenge == "" || grant.Email == "" || state == "" {
		http.Error(w, "invalid sign-in request", http.StatusBadRequest)
		return
	}

	code, err := randomToken(24)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := d.put(r.Context(), "code:"+code, grant, devCodeTTL); err != nil {
		d.logger.Error("store dev code", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	target, _ := url.Parse(grant.RedirectURI)
	params := target.Query()
	params.Set("code", code)
	params.Set("state", state)
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (d *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		devTokenError(w, "invalid_request")
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		devTokenError(w, "unsupported_grant_type")
		return
	}
	if r.PostFormValue("client_id") != devClientID || r.PostFormValue("client_secret") != d.clientSecret {
		devTokenError(w, "invalid_client")
		return
	}

	var grant devGrant
	if err := d.take(r.Context(), "code:"+r.PostFormValue("code"), &grant); err != nil {
		devTokenError(w, "invalid_grant")
		return
	}
	if r.PostFormValue("redirect_uri") != grant.RedirectURI {
		devTokenError(w, "invalid_grant")
		return
	}
	if err := verifyPKCE(grant.Challenge, r.PostFormValue("code_verifier")); err != nil {
		d.logger.Warn("dev token pkce failure", "error", err)
		devTokenError(w, "invalid_grant")
		return
	}

	accessToken, err := randomToken(32)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := d.put(r.Context(), "token:"+accessToken, grant, devTokenTTL); err != nil {
		d.logger.Error("store dev token", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int64(devTokenTTL.Seconds()),
		"scope":        "openid email profile",
	})
}

func (d *DevIdentityProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	var grant devGrant
	if err := d.get(r.Context(), "token:"+token, &grant); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	writeJSON(w, map[string]any{
		"id":             devSubject(grant.Email),
		"email":          grant.Email,
		"verified_email": true,
		"name":           grant.Name,
		"picture":        "",
	})
}

func (d *DevIdentityProvider) put(ctx context.Context, key string, grant devGrant, ttl time.Duration) error {
	b, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	return d.grants.Set(ctx, "dev_idp:"+key, string(b), ttl)
}

func (d *DevIdentityProvider) get(ctx context.Context, key string, grant *devGrant) error {
	raw, err := d.grants.Get(ctx, "dev_idp:"+key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), grant)
}

func (d *DevIdentityProvider) take(ctx context.Context, key string, grant *devGrant) error {
	raw, err := d.grants.Consume(ctx, "dev_idp:"+key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), grant)
}

func devTokenError(w http.ResponseWriter, code string) {
	writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code})
}

// devSubject derives a stable external id from the email address.
func devSubject(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return "dev-" + hex.EncodeToString(sum[:10])
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if expected != challenge {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
