package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/BradenHooton/totpgate/internal/web"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

const maxLoginBodyBytes = 4 << 10

// LoginServiceInterface decides login attempts
type LoginServiceInterface interface {
	AttemptLogin(ctx context.Context, attempt services.LoginAttempt) (*services.LoginResult, error)
}

// SessionServiceInterface manages authenticated sessions
type SessionServiceInterface interface {
	Extend(ctx context.Context, id string) (*models.SessionState, time.Time, error)
	Status(state *models.SessionState) models.SessionStatus
	Logout(ctx context.Context, state *models.SessionState, ip string, userAgent string) error
	Monitor() auth.SessionMonitor
}

// RateLimitServiceInterface reports per-IP lockout state
type RateLimitServiceInterface interface {
	CheckLimited(ctx context.Context, ip string) models.RateLimitStatus
	Config() services.RateLimitConfig
}

// SessionSigner turns session IDs into cookie values
type SessionSigner interface {
	Sign(sessionID string, issuedAt time.Time) (string, error)
}

// AuthOptions holds presentation settings for AuthHandler
type AuthOptions struct {
	ServiceName   string
	Cookies       auth.CookieConfig
	IPConfig      *pkghttp.IPConfig
	CheckInterval time.Duration // How often the main page polls /auth-status
}

// AuthHandler serves the login flow, session endpoints and pages
type AuthHandler struct {
	gate     LoginServiceInterface
	sessions SessionServiceInterface
	limiter  RateLimitServiceInterface
	signer   SessionSigner
	pages    *web.Pages
	opts     AuthOptions
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(
	gate LoginServiceInterface,
	sessions SessionServiceInterface,
	limiter RateLimitServiceInterface,
	signer SessionSigner,
	pages *web.Pages,
	opts AuthOptions,
	logger *slog.Logger,
) *AuthHandler {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	return &AuthHandler{
		gate:     gate,
		sessions: sessions,
		limiter:  limiter,
		signer:   signer,
		pages:    pages,
		opts:     opts,
		logger:   logger,
	}
}

// Root handles GET /
func (h *AuthHandler) Root(w http.ResponseWriter, r *http.Request) {
	if auth.GetSessionFromContext(r) != nil {
		http.Redirect(w, r, "/main", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// LoginPage handles GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if auth.GetSessionFromContext(r) != nil {
		http.Redirect(w, r, "/main", http.StatusFound)
		return
	}

	status := h.limiter.CheckLimited(r.Context(), pkghttp.ExtractClientIP(r, h.opts.IPConfig))
	h.renderLogin(w, http.StatusOK, web.LoginData{
		ServiceName:      h.opts.ServiceName,
		SessionExpired:   auth.SessionExpiredFromContext(r),
		RateLimited:      status.Limited,
		RemainingMinutes: status.RemainingMinutes,
	})
}

// Login handles POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	code, err := readAuthCode(w, r)
	if err != nil {
		h.loginFailure(w, r, http.StatusBadRequest, LoginResponse{Error: "bad_request", Message: "Invalid request body"})
		return
	}

	attempt := services.LoginAttempt{
		Code:           code,
		IP:             pkghttp.ExtractClientIP(r, h.opts.IPConfig),
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
	if previous := auth.GetSessionFromContext(r); previous != nil {
		attempt.PreviousSessionID = previous.ID
	}

	result, err := h.gate.AttemptLogin(r.Context(), attempt)
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}

	token, err := h.signer.Sign(result.Session.ID, result.Session.CreatedAt)
	if err != nil {
		h.logger.Error("failed to sign session cookie", slog.String("error", err.Error()))
		h.loginFailure(w, r, http.StatusInternalServerError, LoginResponse{Error: "internal_error", Message: "Internal server error"})
		return
	}
	auth.SetSessionCookie(w, token, h.opts.Cookies)

	if !pkghttp.WantsJSON(r) {
		http.Redirect(w, r, "/main", http.StatusSeeOther)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Success:  true,
		Message:  "Authentication successful",
		Redirect: "/main",
	})
}

func readAuthCode(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.AuthCode), nil
	}

	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.PostFormValue("authCode")), nil
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		limited *models.RateLimitedError
		invalid *models.InvalidCodeError
	)

	switch {
	case errors.Is(err, models.ErrInvalidCodeFormat):
		h.loginFailure(w, r, http.StatusBadRequest, LoginResponse{
			Error:   "invalid_format",
			Message: "Authentication code must be exactly 6 digits",
		})
	case errors.As(err, &limited):
		until := limited.LockedUntil
		if secs := int(time.Until(until).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		h.loginFailure(w, r, http.StatusTooManyRequests, LoginResponse{
			Error:         "rate_limited",
			Message:       fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", limited.RemainingMinutes),
			RateLimited:   true,
			RemainingTime: limited.RemainingMinutes,
			LockedUntil:   &until,
		})
	case errors.As(err, &invalid):
		remaining := invalid.RemainingAttempts
		h.loginFailure(w, r, http.StatusUnauthorized, LoginResponse{
			Error:             "invalid_code",
			Message:           fmt.Sprintf("Invalid authentication code. %d attempts remaining.", remaining),
			RemainingAttempts: &remaining,
		})
	default:
		h.logger.Error("login failed", slog.String("error", err.Error()))
		h.loginFailure(w, r, http.StatusInternalServerError, LoginResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		})
	}
}

// loginFailure answers API callers with JSON and browsers with the login page
func (h *AuthHandler) loginFailure(w http.ResponseWriter, r *http.Request, status int, resp LoginResponse) {
	if pkghttp.WantsJSON(r) {
		pkghttp.WriteJSON(w, status, resp)
		return
	}
	h.renderLogin(w, status, web.LoginData{
		ServiceName:      h.opts.ServiceName,
		Error:            resp.Message,
		RateLimited:      resp.RateLimited,
		RemainingMinutes: resp.RemainingTime,
	})
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, status int, data web.LoginData) {
	if err := h.pages.Render(w, status, web.PageLogin, data); err != nil {
		h.logger.Error("failed to render login page", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// Logout handles POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session := auth.GetSessionFromContext(r); session != nil {
		ip := pkghttp.ExtractClientIP(r, h.opts.IPConfig)
		if err := h.sessions.Logout(r.Context(), session, ip, r.UserAgent()); err != nil {
			h.logger.Error("failed to destroy session", slog.String("error", err.Error()))
		}
	}
	auth.ClearSessionCookie(w, h.opts.Cookies)

	if !pkghttp.WantsJSON(r) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Logged out successfully"})
}

// MainPage handles GET /main
func (h *AuthHandler) MainPage(w http.ResponseWriter, r *http.Request) {
	session := auth.GetSessionFromContext(r)
	if session == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	data := web.NewMainData(h.opts.ServiceName, session, h.sessions.Status(session), h.opts.CheckInterval)
	if err := h.pages.Render(w, http.StatusOK, web.PageMain, data); err != nil {
		h.logger.Error("failed to render main page", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
