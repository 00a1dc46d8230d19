package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

// AuthStatus handles GET /auth-status. It is read-only: polling it does not
// keep a session alive.
func (h *AuthHandler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		pkghttp.WriteJSON(w, http.StatusOK, AuthStatusResponse{
			Authenticated:  false,
			User:           nil,
			SessionExpired: true,
		})
		return
	}

	status := h.sessions.Status(session)
	user := session.User
	pkghttp.WriteJSON(w, http.StatusOK, AuthStatusResponse{
		Authenticated: true,
		User:          &user,
		SessionInfo: &SessionTiming{
			CreatedAt:       status.CreatedAt,
			LastActivity:    status.LastActivity,
			SessionAge:      seconds(status.SessionAge),
			TimeUntilExpiry: seconds(status.TimeUntilExpiry),
			ShowWarning:     status.ShowWarning,
			MaxAge:          seconds(status.MaxAge),
			WarningTime:     seconds(status.WarningTime),
		},
	})
}

// RateLimitStatus handles GET /rate-limit-status
func (h *AuthHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ip := pkghttp.ExtractClientIP(r, h.opts.IPConfig)
	status := h.limiter.CheckLimited(r.Context(), ip)

	pkghttp.WriteJSON(w, http.StatusOK, RateLimitStatusResponse{
		IP:            ip,
		RateLimited:   status.Limited,
		RemainingTime: status.RemainingMinutes,
		Attempts:      status.Attempts,
		MaxAttempts:   h.limiter.Config().MaxAttempts,
		LockedUntil:   status.LockedUntil,
	})
}

// ExtendSession handles POST /extend-session
func (h *AuthHandler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	_, expiry, err := h.sessions.Extend(r.Context(), session.ID)
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) || errors.Is(err, models.ErrSessionNotFound) {
			auth.ClearSessionCookie(w, h.opts.Cookies)
			pkghttp.WriteError(w, http.StatusUnauthorized, "session_expired", "Session expired due to inactivity")
			return
		}
		h.logger.Error("failed to extend session", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ExtendSessionResponse{
		Success:    true,
		Message:    "Session extended successfully",
		NewExpiry:  expiry,
		ExtendedBy: minutes(h.sessions.Monitor().ExtendTime),
	})
}

// SessionInfo handles GET /session-info
func (h *AuthHandler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	status := h.sessions.Status(session)
	pkghttp.WriteJSON(w, http.StatusOK, SessionInfoResponse{
		Authenticated:    true,
		User:             session.User,
		LoginTime:        session.CreatedAt,
		LastActivity:     session.LastActivity,
		LoginIP:          session.LoginIP,
		Device:           session.Device,
		SessionAge:       minutes(status.SessionAge),
		TimeUntilExpiry:  minutes(status.TimeUntilExpiry),
		MaxAge:           minutes(status.MaxAge),
		WarningThreshold: minutes(status.WarningTime),
		ShowWarning:      status.ShowWarning,
		AutoExtend:       true,
	})
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
