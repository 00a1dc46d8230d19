package routes

import (
	"log/slog"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/handlers"
	"github.com/BradenHooton/totpgate/internal/middleware"
	"github.com/BradenHooton/totpgate/internal/web"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Handlers groups every HTTP handler the gate exposes
type Handlers struct {
	Auth   *handlers.AuthHandler
	Setup  *handlers.SetupHandler
	Admin  *handlers.AdminHandler
	Health *handlers.HealthHandler
}

// SessionDeps is what the session middleware needs to resolve cookies
type SessionDeps struct {
	Tokens   *auth.TokenManager
	Resolver auth.SessionResolver
	Cookies  auth.CookieConfig
	IPConfig *pkghttp.IPConfig
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, sessions SessionDeps, flood middleware.FloodConfig, logger *slog.Logger) {
	router.Get("/health", h.Health.Health)
	router.Handle("/static/*", web.Static())

	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(sessions.Tokens, sessions.Resolver, sessions.IPConfig, sessions.Cookies, logger))

		// Public routes - no authentication required
		r.Get("/", h.Auth.Root)
		r.Get("/login", h.Auth.LoginPage)
		r.With(middleware.LoginFloodGuard(flood)).Post("/login", h.Auth.Login)
		r.Get("/rate-limit-status", h.Auth.RateLimitStatus)
		r.Get("/auth-status", h.Auth.AuthStatus)
		r.Post("/logout", h.Auth.Logout)
		r.Get("/setup", h.Setup.SetupPage)
		r.Get("/api/setup", h.Setup.SetupAPI)

		// Protected routes - live session required, each request counts as activity
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSession(sessions.Resolver, sessions.Cookies, logger))

			r.Get("/main", h.Auth.MainPage)
			r.Post("/extend-session", h.Auth.ExtendSession)
			r.Get("/session-info", h.Auth.SessionInfo)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/regenerate-secret", h.Admin.RegenerateSecret)
				r.Get("/secret-info", h.Admin.SecretInfo)

				r.Get("/rate-limits", h.Admin.RateLimits)
				r.Post("/clear-rate-limit", h.Admin.ClearRateLimit)
				r.Post("/clear-all-rate-limits", h.Admin.ClearAllRateLimits)

				r.Get("/security-logs", h.Admin.SecurityLogs)
				r.Get("/security-dashboard", h.Admin.SecurityDashboard)
				r.Get("/security-trends", h.Admin.SecurityTrends)
				r.Get("/export-logs", h.Admin.ExportLogs)

				r.Get("/notification-settings", h.Admin.NotificationSettings)
				r.Get("/validate-email", h.Admin.ValidateChannel("email"))
				r.Get("/validate-telegram", h.Admin.ValidateChannel("telegram"))
				r.Get("/validate-sendgrid", h.Admin.ValidateChannel("sendgrid"))
				r.Get("/validate-ses", h.Admin.ValidateChannel("ses"))
				r.Post("/test-notifications", h.Admin.TestNotifications)

				r.Get("/location-stats", h.Admin.LocationStats)
				r.Post("/clear-location-cache", h.Admin.ClearLocationCache)
			})
		})
	})
}
