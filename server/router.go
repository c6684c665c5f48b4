package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the relying party.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(MetricsMiddleware(a.Metrics))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/", a.handleIndex)
	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/auth/login", a.handleLogin)
	r.Get(a.Config.OAuth.RedirectPath, a.handleCallback)
	r.Get("/auth/logout", a.handleLogout)
	r.Post("/auth/logout", a.handleLogout)
	r.Post("/auth/long-token/exchange", a.handleLongTokenExchange)
	r.Post("/auth/long-token/refresh", a.handleLongTokenRefresh)

	return r
}
