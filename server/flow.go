package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"yauthd/cache"
	"yauthd/store"
)

// ErrorKind classifies a failed login step.
type ErrorKind string

const (
	KindBadRequest          ErrorKind = "bad_request"
	KindForgedState         ErrorKind = "forged_state"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamRejected    ErrorKind = "upstream_rejected"
	KindStorage             ErrorKind = "storage_error"
	KindSigning             ErrorKind = "signing_error"
)

// HTTPStatus maps the kind to the response status of the callback endpoint.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindForgedState:
		return http.StatusBadRequest
	case KindUpstreamUnavailable, KindUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrUnknownProvider is wrapped when the requested IdP is not configured.
var ErrUnknownProvider = errors.New("unknown identity provider")

// LoginError is returned by BeginLogin and CompleteLogin.
type LoginError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LoginError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// LoginResult describes a completed login. Profile fields are nil when the
// provider did not report them.
type LoginResult struct {
	UserID           int64
	Email            *string
	Name             *string
	Avatar           *string
	Session          string
	SessionExpiresAt time.Time
}

// FlowOptions wires the collaborators of a FlowEngine.
type FlowOptions struct {
	Providers map[string]IdentityProvider
	States    cache.StateCache
	Users     store.Users
	Sessions  *SessionIssuer
	StateTTL  time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
}

// FlowEngine runs the authorization-code + PKCE login.
type FlowEngine struct {
	providers map[string]IdentityProvider
	states    cache.StateCache
	users     store.Users
	sessions  *SessionIssuer
	stateTTL  time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewFlowEngine validates opts and returns an engine.
func NewFlowEngine(opts FlowOptions) (*FlowEngine, error) {
	if opts.States == nil || opts.Users == nil || opts.Sessions == nil {
		return nil, errors.New("flow engine requires a state cache, user store and session issuer")
	}
	ttl := opts.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := make(map[string]IdentityProvider, len(opts.Providers))
	for name, p := range opts.Providers {
		providers[name] = p
	}
	return &FlowEngine{
		providers: providers,
		states:    opts.States,
		users:     opts.Users,
		sessions:  opts.Sessions,
		stateTTL:  ttl,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Provider returns the named provider.
func (f *FlowEngine) Provider(name string) (IdentityProvider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// BeginLogin creates a fresh state and verifier, records them in the state
// cache and returns the authorization URL. The URL is only returned after
// the record is stored.
func (f *FlowEngine) BeginLogin(ctx context.Context, idp string) (string, error) {
	provider, ok := f.providers[idp]
	if !ok {
		return "", &LoginError{Kind: KindBadRequest, Op: "begin_login", Err: fmt.Errorf("%w: %s", ErrUnknownProvider, idp)}
	}

	state, err := newState()
	if err != nil {
		f.logger.Error("generate login state", "idp", idp, "error", err)
		return "", &LoginError{Kind: KindStorage, Op: "begin_login", Err: err}
	}
	verifier := oauth2.GenerateVerifier()

	if err := f.states.Set(ctx, state, verifier, f.stateTTL); err != nil {
		f.logger.Error("store login state", "idp", idp, "error", err)
		return "", &LoginError{Kind: KindStorage, Op: "begin_login", Err: err}
	}

	return provider.AuthCodeURL(state, verifier), nil
}

// CompleteLogin finishes a login started by BeginLogin.
func (f *FlowEngine) CompleteLogin(ctx context.Context, idp, code, state string) (LoginResult, error) {
	provider, ok := f.providers[idp]
	if !ok {
		return LoginResult{}, &LoginError{Kind: KindBadRequest, Op: "complete_login", Err: fmt.Errorf("%w: %s", ErrUnknownProvider, idp)}
	}
	if code == "" || state == "" {
		return LoginResult{}, f.fail(idp, "read_callback", KindBadRequest, errors.New("code and state are required"))
	}

	verifier, err := f.states.Consume(ctx, state)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return LoginResult{}, f.fail(idp, "consume_state", KindForgedState, errors.New("unknown or expired state"))
	case err != nil:
		return LoginResult{}, f.fail(idp, "consume_state", KindStorage, err)
	case verifier == "":
		return LoginResult{}, f.fail(idp, "consume_state", KindForgedState, errors.New("empty verifier"))
	}

	tokens, err := provider.Exchange(ctx, code, verifier)
	if err != nil {
		return LoginResult{}, f.fail(idp, "exchange_code", upstreamKind(err), err)
	}

	profile, err := provider.FetchProfile(ctx, tokens.AccessToken)
	if err != nil || profile.ExternalID == "" {
		if err == nil {
			err = errors.New("userinfo carried neither id nor sub")
		}
		return LoginResult{}, f.fail(idp, "fetch_profile", upstreamKind(err), err)
	}
	if tokens.IDTokenSubject != "" && tokens.IDTokenSubject != profile.ExternalID {
		return LoginResult{}, f.fail(idp, "fetch_profile", KindUpstreamRejected,
			fmt.Errorf("id_token subject %q does not match userinfo %q", tokens.IDTokenSubject, profile.ExternalID))
	}

	expiresAt := tokenExpiry(f.now(), tokens.ExpiresIn)

	userID, err := f.users.UpsertUser(ctx, store.UpsertParams{
		Provider:       provider.Name(),
		ProviderUserID: profile.ExternalID,
		Email:          profile.Email,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: expiresAt,
		Name:           profile.Name,
		ProfilePicture: profile.AvatarURL,
	})
	if err != nil {
		return LoginResult{}, f.fail(idp, "upsert_user", KindStorage, err)
	}

	session, sessionExp, err := f.sessions.Mint(userID)
	if err != nil {
		return LoginResult{}, f.fail(idp, "mint_session", KindSigning, err)
	}

	f.metrics.LoginOutcome(idp, "ok")
	f.logger.Info("login completed",
		"idp", idp,
		"user_id", userID,
		"token_format", string(tokens.Format),
		"profile_source", profile.Source,
	)

	return LoginResult{
		UserID:           userID,
		Email:            optional(profile.Email),
		Name:             optional(profile.Name),
		Avatar:           optional(profile.AvatarURL),
		Session:          session,
		SessionExpiresAt: sessionExp,
	}, nil
}

func (f *FlowEngine) fail(idp, op string, kind ErrorKind, err error) *LoginError {
	f.metrics.LoginOutcome(idp, string(kind))
	level := slog.LevelWarn
	if kind == KindStorage || kind == KindSigning {
		level = slog.LevelError
	}
	f.logger.Log(context.Background(), level, "login failed", "idp", idp, "op", op, "kind", string(kind), "error", err)
	return &LoginError{Kind: kind, Op: op, Err: err}
}

func upstreamKind(err error) ErrorKind {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return KindUpstreamUnavailable
	}
	return KindUpstreamRejected
}

// maxTokenLifetime caps provider-reported expires_in values.
const maxTokenLifetime = 365 * 24 * time.Hour

// tokenExpiry ignores missing or non-positive lifetimes and caps large ones.
func tokenExpiry(now time.Time, expiresIn *int64) *time.Time {
	if expiresIn == nil || *expiresIn <= 0 {
		return nil
	}
	d := maxTokenLifetime
	if *expiresIn < int64(maxTokenLifetime/time.Second) {
		d = time.Duration(*expiresIn) * time.Second
	}
	t := now.Add(d)
	return &t
}

func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
