package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/services"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
)

const (
	defaultTrendDays = 7
	maxTrendDays     = 90
)

// SecretAdmin rotates and describes the TOTP secret
type SecretAdmin interface {
	Rotate() (string, string, error)
	Info() auth.SecretInfo
}

// RateLimitAdmin inspects and clears rate-limit records
type RateLimitAdmin interface {
	List(ctx context.Context) ([]models.RateLimitEntry, error)
	Clear(ctx context.Context, ip string) (bool, error)
	ClearAll(ctx context.Context) (int, error)
	Config() services.RateLimitConfig
}

// SecurityLogReader queries the security log
type SecurityLogReader interface {
	List(ctx context.Context, filter models.SecurityLogFilter) (*services.SecurityLogPage, error)
	Dashboard(ctx context.Context) (*services.SecurityDashboard, error)
	Trends(ctx context.Context, days int) ([]services.TrendDay, error)
	Export(ctx context.Context, format string) (*services.LogExport, error)
}

// NotificationAdmin inspects and tests notification channels
type NotificationAdmin interface {
	Settings() services.NotificationSettings
	Validate(name string) (services.ChannelReport, error)
	Test(ctx context.Context, channel string, event *models.SecurityEvent) (map[string]services.ChannelResult, error)
}

// LocationAdmin resolves client IPs and inspects the location cache
type LocationAdmin interface {
	Lookup(ctx context.Context, ip string) models.Location
	Stats() services.LocationStats
	ClearCache() int
}

// EventDispatcher records security events asynchronously
type EventDispatcher interface {
	Dispatch(ctx context.Context, kind services.NotificationType, event *models.SecurityEvent)
}

// AdminHandler serves the operator's maintenance endpoints
type AdminHandler struct {
	secrets       SecretAdmin
	provisioner   Provisioner
	limiter       RateLimitAdmin
	logs          SecurityLogReader
	notifications NotificationAdmin
	locations     LocationAdmin
	events        EventDispatcher
	ipConfig      *pkghttp.IPConfig
	logger        *slog.Logger
}

// AdminDeps groups the services AdminHandler works on
type AdminDeps struct {
	Secrets       SecretAdmin
	Provisioner   Provisioner
	Limiter       RateLimitAdmin
	Logs          SecurityLogReader
	Notifications NotificationAdmin
	Locations     LocationAdmin
	Events        EventDispatcher
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(deps AdminDeps, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		secrets:       deps.Secrets,
		provisioner:   deps.Provisioner,
		limiter:       deps.Limiter,
		logs:          deps.Logs,
		notifications: deps.Notifications,
		locations:     deps.Locations,
		events:        deps.Events,
		ipConfig:      ipConfig,
		logger:        logger,
	}
}

// recordAction logs and notifies an admin mutation
func (h *AdminHandler) recordAction(r *http.Request, action string, details models.EventDetails) {
	e := &models.SecurityEvent{
		Type:      models.EventAdminAction,
		IP:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
		Action:    action,
		Details:   details,
	}
	if session := auth.GetSessionFromContext(r); session != nil {
		e.SessionID = session.ID
	}
	h.events.Dispatch(r.Context(), services.NotifyAdminActions, e)
}

// RegenerateSecret handles POST /admin/regenerate-secret
func (h *AdminHandler) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	secret, previous, err := h.secrets.Rotate()
	if err != nil {
		h.logger.Error("failed to rotate TOTP secret", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to regenerate secret")
		return
	}

	qr, err := h.provisioner.QRCodeDataURL(secret)
	if err != nil {
		h.logger.Error("failed to render QR code", slog.String("error", err.Error()))
		qr = ""
	}

	h.recordAction(r, "regenerate_secret", models.EventDetails{"previousSecretPrefix": previous})

	w.Header().Set("Cache-Control", "no-store")
	pkghttp.WriteJSON(w, http.StatusOK, RegenerateSecretResponse{
		Success:              true,
		Message:              "Secret regenerated. Re-enroll your authenticator app.",
		Secret:               secret,
		QRCode:               qr,
		ManualEntryKey:       secret,
		PreviousSecretPrefix: previous,
	})
}

// SecretInfo handles GET /admin/secret-info
func (h *AdminHandler) SecretInfo(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, h.secrets.Info())
}

// RateLimits handles GET /admin/rate-limits
func (h *AdminHandler) RateLimits(w http.ResponseWriter, r *http.Request) {
	entries, err := h.limiter.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rate limits", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to retrieve rate limits")
		return
	}

	locked := 0
	for _, e := range entries {
		if e.IsLocked {
			locked++
		}
	}

	cfg := h.limiter.Config()
	pkghttp.WriteJSON(w, http.StatusOK, RateLimitsResponse{
		RateLimits: entries,
		Total:      len(entries),
		Locked:     locked,
		Config: RateLimitConfigView{
			MaxAttempts:        cfg.MaxAttempts,
			LockoutMinutes:     minutes(cfg.LockoutDuration),
			ProgressiveLockout: cfg.ProgressiveLockout,
			MaxLockoutMinutes:  minutes(cfg.MaxLockoutDuration),
		},
	})
}

// ClearRateLimit handles POST /admin/clear-rate-limit
func (h *AdminHandler) ClearRateLimit(w http.ResponseWriter, r *http.Request) {
	var req ClearRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ip := pkghttp.NormalizeIP(req.IP)
	cleared, err := h.limiter.Clear(r.Context(), ip)
	if err != nil {
		h.logger.Error("failed to clear rate limit", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to clear rate limit")
		return
	}
	if !cleared {
		pkghttp.WriteNotFound(w, "No rate limit record for "+ip)
		return
	}

	h.recordAction(r, "clear_rate_limit", models.EventDetails{"ip": ip})
	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Rate limit cleared for " + ip})
}

// ClearAllRateLimits handles POST /admin/clear-all-rate-limits
func (h *AdminHandler) ClearAllRateLimits(w http.ResponseWriter, r *http.Request) {
	count, err := h.limiter.ClearAll(r.Context())
	if err != nil {
		h.logger.Error("failed to clear rate limits", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to clear rate limits")
		return
	}

	h.recordAction(r, "clear_all_rate_limits", models.EventDetails{"count": count})
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "All rate limits cleared",
		"cleared": count,
	})
}

// SecurityLogs handles GET /admin/security-logs?page&limit&type&startDate&endDate
func (h *AdminHandler) SecurityLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.logs.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list security logs", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to retrieve security logs")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, page)
}

var errBadLogFilter = errors.New("invalid filter")

func parseLogFilter(r *http.Request) (models.SecurityLogFilter, error) {
	q := r.URL.Query()
	filter := models.SecurityLogFilter{Type: q.Get("type")}

	if filter.Type != "" && filter.Type != "all" && !models.IsValidEventType(filter.Type) {
		return filter, errors.New("unknown event type: " + filter.Type)
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("page must be a positive integer")
		}
		filter.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}

	var err error
	if filter.StartDate, err = parseDateParam(q.Get("startDate"), false); err != nil {
		return filter, errors.New("startDate must be YYYY-MM-DD or RFC 3339")
	}
	if filter.EndDate, err = parseDateParam(q.Get("endDate"), true); err != nil {
		return filter, errors.New("endDate must be YYYY-MM-DD or RFC 3339")
	}
	return filter, nil
}

// parseDateParam accepts a calendar date or an RFC 3339 instant. A bare end
// date covers the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, errBadLogFilter
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// SecurityDashboard handles GET /admin/security-dashboard
func (h *AdminHandler) SecurityDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.logs.Dashboard(r.Context())
	if err != nil {
		h.logger.Error("failed to build security dashboard", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to build security dashboard")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, dashboard)
}

// SecurityTrends handles GET /admin/security-trends?days=N (1-90, default 7)
func (h *AdminHandler) SecurityTrends(w http.ResponseWriter, r *http.Request) {
	days := defaultTrendDays
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxTrendDays {
			days = n
		}
	}

	trends, err := h.logs.Trends(r.Context(), days)
	if err != nil {
		h.logger.Error("failed to compute security trends", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to compute security trends")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"days":   days,
		"trends": trends,
	})
}

// ExportLogs handles GET /admin/export-logs?format=json|csv
func (h *AdminHandler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		pkghttp.WriteBadRequest(w, "format must be json or csv")
		return
	}

	export, err := h.logs.Export(r.Context(), format)
	if err != nil {
		h.logger.Error("failed to export security logs", slog.String("error", err.Error()))
		pkghttp.WriteInternalError(w, "Failed to export security logs")
		return
	}

	h.recordAction(r, "export_logs", models.EventDetails{"format": format})

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Content)
}

// NotificationSettings handles GET /admin/notification-settings
func (h *AdminHandler) NotificationSettings(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, h.notifications.Settings())
}

// ValidateChannel returns a handler for GET /admin/validate-<channel>
func (h *AdminHandler) ValidateChannel(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := h.notifications.Validate(channel)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				pkghttp.WriteNotFound(w, "Channel "+channel+" is not available")
				return
			}
			pkghttp.WriteInternalError(w, "Failed to validate channel")
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, report)
	}
}

// TestNotifications handles POST /admin/test-notifications
func (h *AdminHandler) TestNotifications(w http.ResponseWriter, r *http.Request) {
	var req TestNotificationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = "all"
	}

	ip := pkghttp.ExtractClientIP(r, h.ipConfig)
	event := &models.SecurityEvent{
		Timestamp: time.Now().UTC(),
		Type:      models.EventAdminAction,
		IP:        ip,
		UserAgent: r.UserAgent(),
		Action:    "test_notifications",
	}
	device := services.ParseUserAgent(event.UserAgent)
	event.Browser, event.OS, event.Device = device.Browser, device.OS, device.Device
	if session := auth.GetSessionFromContext(r); session != nil {
		event.SessionID = session.ID
	}
	event.Location = h.locations.Lookup(r.Context(), ip)

	results, err := h.notifications.Test(r.Context(), req.Type, event)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Channel "+req.Type+" is not available")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to send test notifications")
		return
	}

	h.recordAction(r, "test_notifications", models.EventDetails{"channel": req.Type})

	sent := 0
	for _, res := range results {
		if res.Sent {
			sent++
		}
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": sent > 0,
		"results": results,
	})
}

// LocationStats handles GET /admin/location-stats
func (h *AdminHandler) LocationStats(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, h.locations.Stats())
}

// ClearLocationCache handles POST /admin/clear-location-cache
func (h *AdminHandler) ClearLocationCache(w http.ResponseWriter, r *http.Request) {
	cleared := h.locations.ClearCache()
	h.recordAction(r, "clear_location_cache", models.EventDetails{"entries": cleared})
	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Location cache cleared",
		"cleared": cleared,
	})
}
