package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/totpgate/internal/models"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// SessionContextKey is the key for storing the resolved session in context
	SessionContextKey contextKey = "session"
	// sessionExpiredKey marks requests whose session was found expired
	sessionExpiredKey contextKey = "session_expired"
)

// SessionResolver loads and refreshes server-side sessions
type SessionResolver interface {
	// Resolve returns the authenticated session for id. Expired sessions are
	// destroyed and reported as models.ErrSessionExpired.
	Resolve(ctx context.Context, id string, clientIP string) (*models.SessionState, error)
	// Touch records activity on id
	Touch(ctx context.Context, id string) (*models.SessionState, error)
}

// sessionExpiredResponse is the body sent to API callers after inactivity expiry
type sessionExpiredResponse struct {
	Success        bool   `json:"success"`
	SessionExpired bool   `json:"sessionExpired"`
	Error          string `json:"error"`
	Message        string `json:"message"`
}

// SessionMiddleware resolves the session cookie into request context.
// It never rejects a request and does not count as activity.
func SessionMiddleware(tm *TokenManager, resolver SessionResolver, ipConfig *pkghttp.IPConfig, cookieCfg CookieConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := GetSessionCookie(r)
			if err != nil || raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			sessionID, err := tm.Parse(raw)
			if err != nil {
				ClearSessionCookie(w, cookieCfg)
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			session, err := resolver.Resolve(ctx, sessionID, pkghttp.ExtractClientIP(r, ipConfig))
			switch {
			case err == nil:
				ctx = context.WithValue(ctx, SessionContextKey, session)
			case errors.Is(err, models.ErrSessionExpired):
				ClearSessionCookie(w, cookieCfg)
				ctx = context.WithValue(ctx, sessionExpiredKey, true)
			case errors.Is(err, models.ErrSessionNotFound):
				ClearSessionCookie(w, cookieCfg)
			default:
				// Store failure: treat as anonymous rather than erroring every page
				logger.Error("failed to resolve session", slog.String("error", err.Error()))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession rejects requests without a live authenticated session and
// records activity on those that pass. API callers get a JSON 401, browsers
// are redirected to the login page.
func RequireSession(resolver SessionResolver, cookieCfg CookieConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := GetSessionFromContext(r)
			if session == nil || !session.Authenticated {
				rejectUnauthenticated(w, r, SessionExpiredFromContext(r))
				return
			}

			touched, err := resolver.Touch(r.Context(), session.ID)
			if err != nil {
				if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrSessionExpired) {
					ClearSessionCookie(w, cookieCfg)
					rejectUnauthenticated(w, r, true)
					return
				}
				logger.Error("failed to record session activity", slog.String("error", err.Error()))
				touched = session
			}

			ctx := context.WithValue(r.Context(), SessionContextKey, touched)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectUnauthenticated(w http.ResponseWriter, r *http.Request, expired bool) {
	if !pkghttp.WantsJSON(r) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	resp := sessionExpiredResponse{
		SessionExpired: expired,
		Error:          "unauthorized",
		Message:        "Authentication required",
	}
	if expired {
		resp.Error = "session_expired"
		resp.Message = "Session expired due to inactivity"
	}
	pkghttp.WriteJSON(w, http.StatusUnauthorized, resp)
}

// GetSessionFromContext returns the resolved session, or nil
func GetSessionFromContext(r *http.Request) *models.SessionState {
	session, ok := r.Context().Value(SessionContextKey).(*models.SessionState)
	if !ok {
		return nil
	}
	return session
}

// SessionExpiredFromContext reports whether the request carried an expired session
func SessionExpiredFromContext(r *http.Request) bool {
	expired, _ := r.Context().Value(sessionExpiredKey).(bool)
	return expired
}

// WithSession returns a copy of r carrying session, for handlers and tests
func WithSession(r *http.Request, session *models.SessionState) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), SessionContextKey, session))
}
