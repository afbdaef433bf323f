package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// Upstream failure classes. Provider errors wrap one of these.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected")
)

const maxUpstreamBody = 1 << 20

// TokenFormat records how a token endpoint response was interpreted.
type TokenFormat string

const (
	TokenFormatJSON TokenFormat = "json"
	// TokenFormatRaw means the response was not JSON and the whole body was
	// taken as the access token.
	TokenFormatRaw TokenFormat = "raw"
)

// TokenSet is the result of a code exchange.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	Format TokenFormat `json:"-"`
	// IDTokenSubject is the verified sub of IDToken, empty when not verified.
	IDTokenSubject string `json:"-"`
}

// Profile is the normalized userinfo of a signed-in user.
type Profile struct {
	ExternalID    string
	Email         string
	Name          string
	AvatarURL     string
	EmailVerified bool
	Source        string
}

// userInfoDocument accepts both the v2 userinfo shape (id) and the OpenID
// Connect shape (sub).
type userInfoDocument struct {
	ID            string `json:"id"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	VerifiedEmail *bool  `json:"verified_email"`
	EmailVerified *bool  `json:"email_verified"`
}

func (d userInfoDocument) profile(source string) Profile {
	p := Profile{
		ExternalID: strings.TrimSpace(d.ID),
		Email:      d.Email,
		Name:       d.Name,
		AvatarURL:  d.Picture,
		Source:     source,
	}
	if p.ExternalID == "" {
		p.ExternalID = strings.TrimSpace(d.Sub)
	}
	switch {
	case d.VerifiedEmail != nil:
		p.EmailVerified = *d.VerifiedEmail
	case d.EmailVerified != nil:
		p.EmailVerified = *d.EmailVerified
	}
	return p
}

// IdentityProvider represents the behaviour required from an upstream IdP.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (TokenSet, error)
	FetchProfile(ctx context.Context, accessToken string) (Profile, error)
}

// GoogleProviderOptions configures NewGoogleProvider.
type GoogleProviderOptions struct {
	Name       string
	Config     GoogleConfig
	HTTPClient *http.Client
	Metrics    *Metrics
	Logger     *slog.Logger
}

// GoogleProvider talks to Google's OAuth2 endpoints. It also serves any
// provider that exposes the same endpoint shapes, such as the dev IdP.
type GoogleProvider struct {
	name              string
	oauthConfig       *oauth2.Config
	userInfoURL       string
	openIDUserInfoURL string
	timeout           time.Duration
	httpClient        *http.Client
	retry             *retryablehttp.Client
	verifier          *oidc.IDTokenVerifier
	metrics           *Metrics
	logger            *slog.Logger
}

// NewGoogleProvider builds the provider. ctx bounds the lifetime of the
// remote key set used for ID token verification.
func NewGoogleProvider(ctx context.Context, opts GoogleProviderOptions) (*GoogleProvider, error) {
	cfg := opts.Config
	name := opts.Name
	if name == "" {
		name = "google"
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id required for provider %s", name)
	}
	if cfg.TokenURL == "" || cfg.AuthURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("endpoints required for provider %s", name)
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	p := &GoogleProvider{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{oidc.ScopeOpenID, "email", "profile"},
		},
		userInfoURL:       cfg.UserInfoURL,
		openIDUserInfoURL: cfg.OpenIDUserInfoURL,
		timeout:           timeout,
		httpClient:        httpClient,
		retry:             newRetryClient(httpClient, logger),
		metrics:           opts.Metrics,
		logger:            logger,
	}

	if cfg.VerifyIDToken {
		if cfg.Issuer == "" || cfg.JWKSURL == "" {
			return nil, fmt.Errorf("issuer and jwks_url required to verify id tokens for provider %s", name)
		}
		keys := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, httpClient), cfg.JWKSURL)
		p.verifier = oidc.NewVerifier(cfg.Issuer, keys, &oidc.Config{ClientID: cfg.ClientID})
	}

	return p, nil
}

// newRetryClient retries a request once, and only when no HTTP response was
// received. A definitive answer from the token endpoint is never replayed
// because authorization codes are single-use.
func newRetryClient(hc *http.Client, logger *slog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = 1
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = logger
	rc.CheckRetry = retryTransportErrorsOnly
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

func retryTransportErrorsOnly(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// Name is the provider key used in routes and stored user rows.
func (p *GoogleProvider) Name() string { return p.name }

// AuthCodeURL constructs the authorization request with an S256 challenge
// derived from verifier.
func (p *GoogleProvider) AuthCodeURL(state, verifier string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange posts the authorization code and verifier to the token endpoint.
func (p *GoogleProvider) Exchange(ctx context.Context, code, verifier string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.oauthConfig.ClientID)
	form.Set("client_secret", p.oauthConfig.ClientSecret)
	form.Set("redirect_uri", p.oauthConfig.RedirectURL)
	form.Set("code_verifier", verifier)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.oauthConfig.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.retry.Do(req)
	p.metrics.ObserveUpstream(p.name, "token", time.Since(start))
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: token request: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: read token response: %w", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("token endpoint rejected exchange", "idp", p.name, "status", resp.StatusCode, "body", truncateForLog(body))
		return TokenSet{}, fmt.Errorf("%w: token endpoint returned %d", ErrUpstreamRejected, resp.StatusCode)
	}

	ts, err := parseTokenResponse(body)
	if err != nil {
		p.logger.Warn("token response unusable", "idp", p.name, "error", err, "body", truncateForLog(body))
		return TokenSet{}, err
	}
	if ts.Format == TokenFormatRaw {
		p.logger.Warn("token response was not JSON, using body as access token", "idp", p.name)
		p.metrics.TokenDegraded(p.name)
	}

	if p.verifier != nil && ts.IDToken != "" {
		idTok, err := p.verifier.Verify(ctx, ts.IDToken)
		if err != nil {
			return TokenSet{}, fmt.Errorf("%w: verify id_token: %w", ErrUpstreamRejected, err)
		}
		ts.IDTokenSubject = idTok.Subject
	}

	return ts, nil
}

// parseTokenResponse prefers the structured JSON form. A body that is not
// JSON is accepted as a bare access token, but an empty body or a JSON
// object without access_token is a rejection.
func parseTokenResponse(body []byte) (TokenSet, error) {
	trimmed := bytes.TrimSpace(body)

	var ts TokenSet
	if err := json.Unmarshal(trimmed, &ts); err == nil {
		if ts.AccessToken == "" {
			return TokenSet{}, fmt.Errorf("%w: token response missing access_token", ErrUpstreamRejected)
		}
		ts.Format = TokenFormatJSON
		return ts, nil
	}

	if len(trimmed) == 0 || trimmed[0] == '{' {
		return TokenSet{}, fmt.Errorf("%w: malformed token response", ErrUpstreamRejected)
	}
	return TokenSet{AccessToken: string(trimmed), Format: TokenFormatRaw}, nil
}

// FetchProfile reads the v2 userinfo document and falls back once to the
// OpenID Connect userinfo endpoint when no identity could be resolved.
func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	prof, err := p.fetchUserInfo(ctx, p.userInfoURL, "userinfo", accessToken)
	if err == nil && prof.ExternalID != "" {
		return prof, nil
	}
	if err != nil {
		p.logger.Warn("userinfo fetch failed", "idp", p.name, "error", err)
	} else {
		p.logger.Warn("userinfo carried neither id nor sub", "idp", p.name)
	}

	if p.openIDUserInfoURL == "" {
		return Profile{}, err
	}
	p.metrics.UserInfoFallback(p.name)

	fallback, ferr := p.fetchUserInfo(ctx, p.openIDUserInfoURL, "openid_userinfo", accessToken)
	if ferr != nil {
		p.logger.Warn("openid userinfo fetch failed", "idp", p.name, "error", ferr)
		return Profile{}, ferr
	}
	return fallback, nil
}

func (p *GoogleProvider) fetchUserInfo(ctx context.Context, endpoint, source, accessToken string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	hc := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, p.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("create %s request: %w", source, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := hc.Do(req)
	p.metrics.ObserveUpstream(p.name, source, time.Since(start))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %s request: %w", ErrUpstreamUnavailable, source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: read %s: %w", ErrUpstreamUnavailable, source, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: %s returned %d: %s", ErrUpstreamRejected, source, resp.StatusCode, truncateForLog(body))
	}

	var doc userInfoDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: decode %s: %w", ErrUpstreamRejected, source, err)
	}
	return doc.profile(source), nil
}

func truncateForLog(b []byte) string {
	const limit = 512
	s := string(b)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
