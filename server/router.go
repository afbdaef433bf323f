package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/me", a.handleMe)
		r.Post("/logout", a.handleLogout)
		r.Get("/{idp}/url", a.handleLoginURL)
		r.Get("/{idp}/callback", a.handleCallback)
	})

	if a.DevIdP != nil {
		r.Mount("/dev/idp", a.DevIdP.Routes())
	}

	return r
}
