package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"yauthd/cache"
	"yauthd/store"
)

const googleProviderName = "google"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	States    cache.StateCache
	Users     store.Users
	Sessions  *SessionIssuer
	Providers map[string]IdentityProvider
	Flow      *FlowEngine
	Metrics   *Metrics
	DevIdP    *DevIdentityProvider

	closers []func() error
}

type appOptions struct {
	states     cache.StateCache
	users      store.Users
	httpClient *http.Client
	providers  map[string]IdentityProvider
	registry   *prometheus.Registry
}

// AppOption overrides a collaborator NewApp would otherwise build from config.
type AppOption func(*appOptions)

// WithStateCache uses c instead of opening the configured cache. The caller
// keeps ownership of c.
func WithStateCache(c cache.StateCache) AppOption {
	return func(o *appOptions) { o.states = c }
}

// WithUserStore uses u instead of opening the configured store. The caller
// keeps ownership of u.
func WithUserStore(u store.Users) AppOption {
	return func(o *appOptions) { o.users = u }
}

// WithHTTPClient sets the client used for calls to identity providers.
func WithHTTPClient(hc *http.Client) AppOption {
	return func(o *appOptions) { o.httpClient = hc }
}

// WithProviders registers additional providers, replacing built-in ones
// with the same name.
func WithProviders(providers map[string]IdentityProvider) AppOption {
	return func(o *appOptions) { o.providers = providers }
}

// WithRegistry registers metrics on reg.
func WithRegistry(reg *prometheus.Registry) AppOption {
	return func(o *appOptions) { o.registry = reg }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...AppOption) (_ *App, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger, Providers: map[string]IdentityProvider{}}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Metrics, err = NewMetrics(o.registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	app.States = o.states
	if app.States == nil {
		app.States, err = cache.New(ctx, cache.Config{
			Driver:     cfg.Cache.Driver,
			URL:        cfg.Cache.URL,
			Prefix:     cfg.Cache.Prefix,
			DefaultTTL: cfg.Login.StateTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("open state cache: %w", err)
		}
		app.closers = append(app.closers, app.States.Close)
	}

	app.Users = o.users
	if app.Users == nil {
		app.Users, err = store.Open(ctx, store.Config{URI: cfg.Store.URI, MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open user store: %w", err)
		}
		app.closers = append(app.closers, app.Users.Close)
		if cfg.Store.AutoMigrate {
			if err := app.Users.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate user store: %w", err)
			}
		}
	}

	app.Sessions, err = NewSessionIssuer(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Google.HTTPTimeout}
	}

	if cfg.Google.ClientID != "" {
		google, err := NewGoogleProvider(ctx, GoogleProviderOptions{
			Name:       googleProviderName,
			Config:     cfg.Google,
			HTTPClient: httpClient,
			Metrics:    app.Metrics,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		app.Providers[googleProviderName] = google
	} else {
		logger.Warn("google provider disabled", "reason", "GOOGLE_CLIENT_ID not set")
	}

	if cfg.Server.DevMode && cfg.DevProvider.Enabled {
		app.DevIdP, err = NewDevIdentityProvider(cfg.Server.PublicURL, app.States, logger)
		if err != nil {
			return nil, fmt.Errorf("init dev provider: %w", err)
		}
		dev, err := NewGoogleProvider(ctx, GoogleProviderOptions{
			Name:       devProviderName,
			Config:     app.DevIdP.GoogleConfig(cfg.Google.HTTPTimeout),
			HTTPClient: httpClient,
			Metrics:    app.Metrics,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		app.Providers[devProviderName] = dev
		logger.Info("dev identity provider enabled", "authorize_url", cfg.Server.PublicURL+"/dev/idp/authorize")
	}

	for name, p := range o.providers {
		app.Providers[name] = p
	}

	app.Flow, err = NewFlowEngine(FlowOptions{
		Providers: app.Providers,
		States:    app.States,
		Users:     app.Users,
		Sessions:  app.Sessions,
		StateTTL:  cfg.Login.StateTTL,
		Metrics:   app.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Close releases the cache and store opened by NewApp.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) handleLoginURL(w http.ResponseWriter, r *http.Request) {
	idp := chi.URLParam(r, "idp")
	if _, ok := a.Flow.Provider(idp); !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"url": ""})
		return
	}

	authURL, err := a.Flow.BeginLogin(r.Context(), idp)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"url": ""})
		return
	}
	writeJSON(w, map[string]string{"url": authURL})
}

type callbackResponse struct {
	OK     bool    `json:"ok"`
	UserID int64   `json:"user_id"`
	Email  *string `json:"email"`
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
	Error  string  `json:"error,omitempty"`
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	idp := chi.URLParam(r, "idp")
	if _, ok := a.Flow.Provider(idp); !ok {
		writeJSONStatus(w, http.StatusNotFound, callbackResponse{Error: string(KindBadRequest)})
		return
	}

	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		// The user declined consent or the provider refused the request.
		a.Logger.Warn("provider returned error on callback", "idp", idp, "error", upstreamErr)
	}

	res, err := a.Flow.CompleteLogin(r.Context(), idp, q.Get("code"), q.Get("state"))
	if err != nil {
		var le *LoginError
		if !errors.As(err, &le) {
			le = &LoginError{Kind: KindStorage, Op: "complete_login", Err: err}
		}
		writeJSONStatus(w, le.Kind.HTTPStatus(), callbackResponse{Error: string(le.Kind)})
		return
	}

	http.SetCookie(w, a.Sessions.Cookie(res.Session))
	writeJSON(w, callbackResponse{
		OK:     true,
		UserID: res.UserID,
		Email:  res.Email,
		Name:   res.Name,
		Avatar: res.Avatar,
	})
}

type meResponse struct {
	UserID    int64     `json:"user_id"`
	Provider  string    `json:"provider"`
	Email     *string   `json:"email"`
	Name      *string   `json:"name"`
	Avatar    *string   `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"session_expires_at"`
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := a.Sessions.Fetch(r)
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	user, err := a.Users.GetUser(r.Context(), userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	case err != nil:
		a.Logger.Error("load session user", "user_id", userID, "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": string(KindStorage)})
		return
	}

	resp := meResponse{
		UserID:    user.ID,
		Provider:  user.Provider,
		Email:     optional(user.Email),
		Name:      optional(user.Name),
		Avatar:    optional(user.ProfilePicture),
		CreatedAt: user.CreatedAt,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, resp)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"cache": "ok", "store": "ok"}
	code := http.StatusOK
	if err := a.States.Ping(ctx); err != nil {
		a.Logger.Warn("health check: state cache", "error", err)
		status["cache"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if err := a.Users.Ping(ctx); err != nil {
		a.Logger.Warn("health check: user store", "error", err)
		status["store"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, code, status)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
