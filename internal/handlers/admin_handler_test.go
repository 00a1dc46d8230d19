package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/handlers"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	secrets       *handlers.MockSecrets
	limiter       *handlers.MockRateLimitService
	logs          *handlers.MockSecurityLogReader
	notifications *handlers.MockNotificationAdmin
	locations     *handlers.MockLocationAdmin
	events        *handlers.MockDispatcher
	handler       *handlers.AdminHandler
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		secrets:       &handlers.MockSecrets{},
		limiter:       &handlers.MockRateLimitService{Cfg: services.DefaultRateLimitConfig()},
		logs:          &handlers.MockSecurityLogReader{},
		notifications: &handlers.MockNotificationAdmin{},
		locations:     &handlers.MockLocationAdmin{Cached: 3},
		events:        &handlers.MockDispatcher{},
	}
	f.handler = handlers.NewAdminHandler(handlers.AdminDeps{
		Secrets:       f.secrets,
		Provisioner:   &handlers.MockProvisioner{},
		Limiter:       f.limiter,
		Logs:          f.logs,
		Notifications: f.notifications,
		Locations:     f.locations,
		Events:        f.events,
	}, nil, discardLogger())
	return f
}

func adminRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	req := handlers.NewTestRequest(t, method, target, body)
	return handlers.WithTestSession(req, handlers.NewTestSession(time.Now()))
}

func TestRegenerateSecret(t *testing.T) {
	f := newAdminFixture()

	w := httptest.NewRecorder()
	f.handler.RegenerateSecret(w, adminRequest(t, http.MethodPost, "/admin/regenerate-secret", nil))

	var resp handlers.RegenerateSecretResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "KRSXG5CTMVRXEZLUKRSXG5CTMVRXEZLU", resp.Secret)
	assert.Equal(t, "JBSWY3DP****", resp.PreviousSecretPrefix)
	assert.NotEmpty(t, resp.QRCode)

	assert.Equal(t, []string{"regenerate_secret"}, f.events.Actions())
	assert.Equal(t, services.NotifyAdminActions, f.events.Kinds[0])
	assert.Equal(t, models.EventAdminAction, f.events.Events[0].Type)
	assert.NotEmpty(t, f.events.Events[0].SessionID)
}

func TestRegenerateSecret_Failure(t *testing.T) {
	f := newAdminFixture()
	f.secrets.RotateFunc = func() (string, string, error) { return "", "", assert.AnError }

	w := httptest.NewRecorder()
	f.handler.RegenerateSecret(w, adminRequest(t, http.MethodPost, "/admin/regenerate-secret", nil))

	handlers.AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
	assert.Empty(t, f.events.Actions())
}

func TestSecretInfo_MasksSecret(t *testing.T) {
	f := newAdminFixture()
	f.secrets.SecretInfo = auth.SecretInfo{Source: auth.SecretFromFile, Prefix: "JBSWY3DP****", Issuer: "Secure Web App"}

	w := httptest.NewRecorder()
	f.handler.SecretInfo(w, adminRequest(t, http.MethodGet, "/admin/secret-info", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "JBSWY3DP****")
	assert.NotContains(t, w.Body.String(), "JBSWY3DPEHPK3PXP")
}

func TestRateLimits_CountsLocked(t *testing.T) {
	f := newAdminFixture()
	f.limiter.ListFunc = func(ctx context.Context) ([]models.RateLimitEntry, error) {
		return []models.RateLimitEntry{
			{IP: "203.0.113.7", Attempts: 0, Violations: 1, IsLocked: true, RemainingMinutes: 9},
			{IP: "198.51.100.2", Attempts: 2},
		}, nil
	}

	w := httptest.NewRecorder()
	f.handler.RateLimits(w, adminRequest(t, http.MethodGet, "/admin/rate-limits", nil))

	var resp handlers.RateLimitsResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Locked)
	assert.Equal(t, 5, resp.Config.MaxAttempts)
	assert.Equal(t, 15, resp.Config.LockoutMinutes)
	assert.Equal(t, 1440, resp.Config.MaxLockoutMinutes)
	assert.True(t, resp.Config.ProgressiveLockout)
}

func TestClearRateLimit(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		cleared    bool
		wantStatus int
		wantAction bool
	}{
		{"cleared", handlers.ClearRateLimitRequest{IP: "203.0.113.7"}, true, http.StatusOK, true},
		{"unknown ip", handlers.ClearRateLimitRequest{IP: "203.0.113.8"}, false, http.StatusNotFound, false},
		{"missing ip", handlers.ClearRateLimitRequest{}, false, http.StatusBadRequest, false},
		{"not an ip", handlers.ClearRateLimitRequest{IP: "localhost"}, false, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture()
			var got string
			f.limiter.ClearFunc = func(ctx context.Context, ip string) (bool, error) {
				got = ip
				return tt.cleared, nil
			}

			w := httptest.NewRecorder()
			f.handler.ClearRateLimit(w, adminRequest(t, http.MethodPost, "/admin/clear-rate-limit", tt.body))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantAction {
				assert.Equal(t, "203.0.113.7", got)
				assert.Equal(t, []string{"clear_rate_limit"}, f.events.Actions())
				assert.Equal(t, "203.0.113.7", f.events.Events[0].Details["ip"])
			} else {
				assert.Empty(t, f.events.Actions())
			}
		})
	}
}

func TestClearAllRateLimits(t *testing.T) {
	f := newAdminFixture()
	f.limiter.ClearAllFunc = func(ctx context.Context) (int, error) { return 4, nil }

	w := httptest.NewRecorder()
	f.handler.ClearAllRateLimits(w, adminRequest(t, http.MethodPost, "/admin/clear-all-rate-limits", nil))

	var resp map[string]interface{}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, float64(4), resp["cleared"])
	assert.Equal(t, []string{"clear_all_rate_limits"}, f.events.Actions())
}

func TestSecurityLogs_ParsesFilter(t *testing.T) {
	f := newAdminFixture()
	var got models.SecurityLogFilter
	f.logs.ListFunc = func(ctx context.Context, filter models.SecurityLogFilter) (*services.SecurityLogPage, error) {
		got = filter
		return &services.SecurityLogPage{Logs: []*models.SecurityEvent{}}, nil
	}

	target := "/admin/security-logs?page=2&limit=25&type=login_failed&startDate=2026-10-01&endDate=2026-10-02"
	w := httptest.NewRecorder()
	f.handler.SecurityLogs(w, adminRequest(t, http.MethodGet, target, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, 25, got.Limit)
	assert.Equal(t, models.EventLoginFailed, got.Type)
	require.NotNil(t, got.StartDate)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), *got.StartDate)
	assert.Equal(t, 2, got.EndDate.Day())
	assert.Equal(t, 23, got.EndDate.Hour())
}

func TestSecurityLogs_RejectsBadFilter(t *testing.T) {
	for _, query := range []string{
		"type=password_reset",
		"page=0",
		"limit=abc",
		"startDate=yesterday",
	} {
		t.Run(query, func(t *testing.T) {
			f := newAdminFixture()
			w := httptest.NewRecorder()
			f.handler.SecurityLogs(w, adminRequest(t, http.MethodGet, "/admin/security-logs?"+query, nil))
			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestSecurityTrends_ClampsDays(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 7},
		{"?days=30", 30},
		{"?days=365", 7},
		{"?days=-1", 7},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := newAdminFixture()
			var got int
			f.logs.TrendsFunc = func(ctx context.Context, days int) ([]services.TrendDay, error) {
				got = days
				return []services.TrendDay{}, nil
			}

			w := httptest.NewRecorder()
			f.handler.SecurityTrends(w, adminRequest(t, http.MethodGet, "/admin/security-trends"+tt.query, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportLogs_CSVAttachment(t *testing.T) {
	f := newAdminFixture()
	f.logs.ExportFunc = func(ctx context.Context, format string) (*services.LogExport, error) {
		assert.Equal(t, "csv", format)
		return &services.LogExport{
			Content:     []byte("Timestamp,Type,IP\n"),
			Filename:    "security-logs-2026-10-17.csv",
			ContentType: "text/csv",
		}, nil
	}

	w := httptest.NewRecorder()
	f.handler.ExportLogs(w, adminRequest(t, http.MethodGet, "/admin/export-logs?format=csv", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="security-logs-2026-10-17.csv"`, w.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "Timestamp,"))
	assert.Equal(t, []string{"export_logs"}, f.events.Actions())
}

func TestExportLogs_UnknownFormat(t *testing.T) {
	f := newAdminFixture()

	w := httptest.NewRecorder()
	f.handler.ExportLogs(w, adminRequest(t, http.MethodGet, "/admin/export-logs?format=xml", nil))

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestValidateChannel(t *testing.T) {
	f := newAdminFixture()
	f.notifications.ValidateFunc = func(name string) (services.ChannelReport, error) {
		if name != "telegram" {
			return services.ChannelReport{}, models.ErrNotFound
		}
		return services.ChannelReport{Channel: "telegram", Enabled: true, AllValid: true}, nil
	}

	w := httptest.NewRecorder()
	f.handler.ValidateChannel("telegram")(w, adminRequest(t, http.MethodGet, "/admin/validate-telegram", nil))
	var report services.ChannelReport
	handlers.AssertJSONResponse(t, w, http.StatusOK, &report)
	assert.True(t, report.AllValid)

	w = httptest.NewRecorder()
	f.handler.ValidateChannel("sendgrid")(w, adminRequest(t, http.MethodGet, "/admin/validate-sendgrid", nil))
	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}

func TestTestNotifications(t *testing.T) {
	f := newAdminFixture()
	var channel string
	var event *models.SecurityEvent
	f.notifications.TestFunc = func(ctx context.Context, ch string, e *models.SecurityEvent) (map[string]services.ChannelResult, error) {
		channel, event = ch, e
		return map[string]services.ChannelResult{
			"telegram": {Sent: true},
			"email":    {Sent: false, Error: "smtp: connection refused"},
		}, nil
	}

	req := adminRequest(t, http.MethodPost, "/admin/test-notifications", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0 Safari/537.36")
	w := httptest.NewRecorder()
	f.handler.TestNotifications(w, req)

	var resp struct {
		Success bool                             `json:"success"`
		Results map[string]services.ChannelResult `json:"results"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, "all", channel)
	require.NotNil(t, event)
	assert.Equal(t, "Chrome", event.Browser)
	assert.Equal(t, "Local Network", event.Display)
	assert.Equal(t, []string{"test_notifications"}, f.events.Actions())
}

func TestTestNotifications_RejectsUnknownType(t *testing.T) {
	f := newAdminFixture()

	w := httptest.NewRecorder()
	f.handler.TestNotifications(w, adminRequest(t, http.MethodPost, "/admin/test-notifications", handlers.TestNotificationRequest{Type: "pager"}))

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestLocationCache(t *testing.T) {
	f := newAdminFixture()

	w := httptest.NewRecorder()
	f.handler.LocationStats(w, adminRequest(t, http.MethodGet, "/admin/location-stats", nil))
	var stats services.LocationStats
	handlers.AssertJSONResponse(t, w, http.StatusOK, &stats)
	assert.Equal(t, 3, stats.CacheSize)

	w = httptest.NewRecorder()
	f.handler.ClearLocationCache(w, adminRequest(t, http.MethodPost, "/admin/clear-location-cache", nil))
	var resp map[string]interface{}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, float64(3), resp["cleared"])
	assert.True(t, f.locations.Cleared)
	assert.Equal(t, []string{"clear_location_cache"}, f.events.Actions())
}

func TestNotificationSettings(t *testing.T) {
	f := newAdminFixture()
	f.notifications.Current = services.NotificationSettings{
		Enabled:       true,
		Notifications: map[string]bool{"loginSuccess": true},
	}

	w := httptest.NewRecorder()
	f.handler.NotificationSettings(w, adminRequest(t, http.MethodGet, "/admin/notification-settings", nil))

	var body map[string]json.RawMessage
	handlers.AssertJSONResponse(t, w, http.StatusOK, &body)
	assert.Contains(t, body, "notifications")
}
