package routes_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/handlers"
	"github.com/BradenHooton/totpgate/internal/middleware"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
	"github.com/BradenHooton/totpgate/internal/routes"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/BradenHooton/totpgate/internal/web"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

type testApp struct {
	server *httptest.Server
	client *http.Client
	totp   *auth.TOTPManager
	gate   *services.GateService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	logStore, err := repositories.NewFileSecurityLogRepository(filepath.Join(t.TempDir(), "security.json"), 100)
	require.NoError(t, err)

	totpManager := auth.NewTOTPManager("Secure Web App", models.DefaultUser, 1)
	secrets, err := auth.NewSecretProvider(auth.SecretProviderConfig{EnvSecret: testSecret}, totpManager, logger)
	require.NoError(t, err)
	tokens, err := auth.NewTokenManager("routes-test-signing-secret-0123456789", "Secure Web App")
	require.NoError(t, err)

	locations := services.NewLocationService(services.LocationConfig{Enabled: false}, logger)
	securityLog := services.NewSecurityLogService(logStore, locations, services.SecurityLogConfig{Retention: 24 * time.Hour}, logger)
	notifications := services.NewNotificationManager(config.NotificationConfig{}, "Secure Web App", nil, logger)
	events := services.NewEventPipeline(securityLog, notifications, logger)

	limiter := services.NewRateLimitService(repositories.NewMemoryRateLimitRepository(), services.DefaultRateLimitConfig(), logger)
	sessions := services.NewSessionService(repositories.NewMemorySessionRepository(), auth.SessionMonitor{
		MaxAge: 30 * time.Minute, WarningTime: 5 * time.Minute, ExtendTime: 15 * time.Minute,
	}, events, logger)
	gate := services.NewGateService(totpManager, secrets, limiter, sessions, events, auth.NewTimingDelay(auth.TimingConfig{}), logger)

	pages, err := web.NewPages()
	require.NoError(t, err)
	ipConfig := &pkghttp.IPConfig{}
	cookies := auth.CookieConfig{SameSite: "strict"}

	router := chi.NewRouter()
	routes.RegisterRoutes(router, routes.Handlers{
		Auth: handlers.NewAuthHandler(gate, sessions, limiter, tokens, pages, handlers.AuthOptions{
			ServiceName: "Secure Web App", Cookies: cookies, IPConfig: ipConfig,
		}, logger),
		Setup: handlers.NewSetupHandler(secrets, totpManager, false, "Secure Web App", pages, logger),
		Admin: handlers.NewAdminHandler(handlers.AdminDeps{
			Secrets: secrets, Provisioner: totpManager, Limiter: limiter, Logs: securityLog,
			Notifications: notifications, Locations: locations, Events: events,
		}, ipConfig, logger),
		Health: handlers.NewHealthHandler(nil),
	}, routes.SessionDeps{Tokens: tokens, Resolver: sessions, Cookies: cookies, IPConfig: ipConfig},
		middleware.FloodConfig{RequestsPerMinute: 100}, logger)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		gate.Wait()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testApp{server: server, client: client, totp: totpManager, gate: gate}
}

func (a *testApp) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (a *testApp) login(t *testing.T) *http.Response {
	code, err := a.totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)
	return a.do(t, http.MethodPost, "/login", `{"authCode":"`+code+`"}`)
}

func TestGateFlow_LoginUseLogout(t *testing.T) {
	app := newTestApp(t)

	var status handlers.AuthStatusResponse
	decode(t, app.do(t, http.MethodGet, "/auth-status", ""), &status)
	assert.False(t, status.Authenticated)

	resp := app.do(t, http.MethodGet, "/main", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = app.login(t)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	decode(t, app.do(t, http.MethodGet, "/auth-status", ""), &status)
	assert.True(t, status.Authenticated)
	require.NotNil(t, status.SessionInfo)
	assert.Equal(t, int64(1800), status.SessionInfo.MaxAge)

	resp = app.do(t, http.MethodGet, "/admin/secret-info", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), testSecret)

	resp = app.do(t, http.MethodGet, "/api/setup", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "setup is visible to an authenticated session")

	resp = app.do(t, http.MethodPost, "/logout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.do(t, http.MethodGet, "/admin/rate-limits", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateFlow_LockoutAfterFailures(t *testing.T) {
	app := newTestApp(t)

	for i := 1; i <= 4; i++ {
		var r handlers.LoginResponse
		resp := app.do(t, http.MethodPost, "/login", `{"authCode":"000000"}`)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		decode(t, resp, &r)
		require.NotNil(t, r.RemainingAttempts)
		assert.Equal(t, 5-i, *r.RemainingAttempts)
	}

	resp := app.do(t, http.MethodPost, "/login", `{"authCode":"000000"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A correct code is refused during the lockout
	resp = app.login(t)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var rl handlers.RateLimitStatusResponse
	decode(t, app.do(t, http.MethodGet, "/rate-limit-status", ""), &rl)
	assert.True(t, rl.RateLimited)
	assert.Equal(t, 15, rl.RemainingTime)
}

func TestGateFlow_InvalidFormatDoesNotCount(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 10; i++ {
		resp := app.do(t, http.MethodPost, "/login", `{"authCode":"12ab"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	var rl handlers.RateLimitStatusResponse
	decode(t, app.do(t, http.MethodGet, "/rate-limit-status", ""), &rl)
	assert.False(t, rl.RateLimited)
	assert.Equal(t, 0, rl.Attempts)
}

func TestGateFlow_SetupHiddenWhenDisabled(t *testing.T) {
	app := newTestApp(t)

	resp := app.do(t, http.MethodGet, "/api/setup", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateFlow_StaticAndHealth(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/static/login.js", "").StatusCode)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/health", "").StatusCode)
}
