package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/services"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithTestSession attaches an authenticated session to req
func WithTestSession(req *http.Request, session *models.SessionState) *http.Request {
	return auth.WithSession(req, session)
}

// NewTestSession returns an authenticated session that started at created
func NewTestSession(created time.Time) *models.SessionState {
	return &models.SessionState{
		ID:            "3f0c9a52-7d1e-4b8a-9c6f-2e5d8b1a4c70",
		Authenticated: true,
		User:          models.DefaultUser,
		CreatedAt:     created,
		LastActivity:  created,
		LoginIP:       "203.0.113.7",
		Device:        models.DeviceInfo{Browser: "Firefox", OS: "Linux", Device: "Desktop"},
	}
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockLoginService implements LoginServiceInterface for testing
type MockLoginService struct {
	AttemptLoginFunc func(ctx context.Context, attempt services.LoginAttempt) (*services.LoginResult, error)
	Attempts         []services.LoginAttempt
}

func (m *MockLoginService) AttemptLogin(ctx context.Context, attempt services.LoginAttempt) (*services.LoginResult, error) {
	m.Attempts = append(m.Attempts, attempt)
	if m.AttemptLoginFunc == nil {
		return nil, &models.InvalidCodeError{RemainingAttempts: 4}
	}
	return m.AttemptLoginFunc(ctx, attempt)
}

// MockSessionService implements SessionServiceInterface for testing
type MockSessionService struct {
	ExtendFunc func(ctx context.Context, id string) (*models.SessionState, time.Time, error)
	StatusFunc func(state *models.SessionState) models.SessionStatus
	LogoutFunc func(ctx context.Context, state *models.SessionState, ip, userAgent string) error
	Mon        auth.SessionMonitor
	LoggedOut  []string
}

func (m *MockSessionService) Extend(ctx context.Context, id string) (*models.SessionState, time.Time, error) {
	if m.ExtendFunc == nil {
		return nil, time.Time{}, models.ErrSessionNotFound
	}
	return m.ExtendFunc(ctx, id)
}

func (m *MockSessionService) Status(state *models.SessionState) models.SessionStatus {
	if m.StatusFunc == nil {
		return m.Mon.Status(*state, state.LastActivity)
	}
	return m.StatusFunc(state)
}

func (m *MockSessionService) Logout(ctx context.Context, state *models.SessionState, ip, userAgent string) error {
	m.LoggedOut = append(m.LoggedOut, state.ID)
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, state, ip, userAgent)
}

func (m *MockSessionService) Monitor() auth.SessionMonitor {
	return m.Mon
}

// MockRateLimitService implements RateLimitServiceInterface and RateLimitAdmin for testing
type MockRateLimitService struct {
	CheckLimitedFunc func(ctx context.Context, ip string) models.RateLimitStatus
	ListFunc         func(ctx context.Context) ([]models.RateLimitEntry, error)
	ClearFunc        func(ctx context.Context, ip string) (bool, error)
	ClearAllFunc     func(ctx context.Context) (int, error)
	Cfg              services.RateLimitConfig
}

func (m *MockRateLimitService) CheckLimited(ctx context.Context, ip string) models.RateLimitStatus {
	if m.CheckLimitedFunc == nil {
		return models.RateLimitStatus{}
	}
	return m.CheckLimitedFunc(ctx, ip)
}

func (m *MockRateLimitService) Config() services.RateLimitConfig {
	return m.Cfg
}

func (m *MockRateLimitService) List(ctx context.Context) ([]models.RateLimitEntry, error) {
	if m.ListFunc == nil {
		return []models.RateLimitEntry{}, nil
	}
	return m.ListFunc(ctx)
}

func (m *MockRateLimitService) Clear(ctx context.Context, ip string) (bool, error) {
	if m.ClearFunc == nil {
		return false, nil
	}
	return m.ClearFunc(ctx, ip)
}

func (m *MockRateLimitService) ClearAll(ctx context.Context) (int, error) {
	if m.ClearAllFunc == nil {
		return 0, nil
	}
	return m.ClearAllFunc(ctx)
}

// MockSigner implements SessionSigner for testing
type MockSigner struct {
	SignFunc func(sessionID string, issuedAt time.Time) (string, error)
}

func (m *MockSigner) Sign(sessionID string, issuedAt time.Time) (string, error) {
	if m.SignFunc == nil {
		return "signed." + sessionID, nil
	}
	return m.SignFunc(sessionID, issuedAt)
}

// MockSecrets implements SecretReader and SecretAdmin for testing
type MockSecrets struct {
	CurrentFunc func() (string, error)
	RotateFunc  func() (string, string, error)
	SecretInfo  auth.SecretInfo
}

func (m *MockSecrets) Current() (string, error) {
	if m.CurrentFunc == nil {
		return "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP", nil
	}
	return m.CurrentFunc()
}

func (m *MockSecrets) Rotate() (string, string, error) {
	if m.RotateFunc == nil {
		return "KRSXG5CTMVRXEZLUKRSXG5CTMVRXEZLU", "JBSWY3DP****", nil
	}
	return m.RotateFunc()
}

func (m *MockSecrets) Info() auth.SecretInfo {
	return m.SecretInfo
}

// MockProvisioner implements Provisioner for testing
type MockProvisioner struct {
	QRCodeFunc func(secret string) (string, error)
}

func (m *MockProvisioner) ProvisioningURI(secret string) (string, error) {
	return "otpauth://totp/Secure%20Web%20App:Authorized%20User?issuer=Secure+Web+App&secret=" + secret, nil
}

func (m *MockProvisioner) QRCodeDataURL(secret string) (string, error) {
	if m.QRCodeFunc == nil {
		return "data:image/png;base64,iVBORw0KGgo=", nil
	}
	return m.QRCodeFunc(secret)
}

func (m *MockProvisioner) Issuer() string {
	return "Secure Web App"
}

// MockSecurityLogReader implements SecurityLogReader for testing
type MockSecurityLogReader struct {
	ListFunc      func(ctx context.Context, filter models.SecurityLogFilter) (*services.SecurityLogPage, error)
	DashboardFunc func(ctx context.Context) (*services.SecurityDashboard, error)
	TrendsFunc    func(ctx context.Context, days int) ([]services.TrendDay, error)
	ExportFunc    func(ctx context.Context, format string) (*services.LogExport, error)
}

func (m *MockSecurityLogReader) List(ctx context.Context, filter models.SecurityLogFilter) (*services.SecurityLogPage, error) {
	if m.ListFunc == nil {
		return &services.SecurityLogPage{Logs: []*models.SecurityEvent{}}, nil
	}
	return m.ListFunc(ctx, filter)
}

func (m *MockSecurityLogReader) Dashboard(ctx context.Context) (*services.SecurityDashboard, error) {
	if m.DashboardFunc == nil {
		return &services.SecurityDashboard{}, nil
	}
	return m.DashboardFunc(ctx)
}

func (m *MockSecurityLogReader) Trends(ctx context.Context, days int) ([]services.TrendDay, error) {
	if m.TrendsFunc == nil {
		return []services.TrendDay{}, nil
	}
	return m.TrendsFunc(ctx, days)
}

func (m *MockSecurityLogReader) Export(ctx context.Context, format string) (*services.LogExport, error) {
	if m.ExportFunc == nil {
		return &services.LogExport{Content: []byte("[]"), Filename: "security-logs.json", ContentType: "application/json"}, nil
	}
	return m.ExportFunc(ctx, format)
}

// MockNotificationAdmin implements NotificationAdmin for testing
type MockNotificationAdmin struct {
	ValidateFunc func(name string) (services.ChannelReport, error)
	TestFunc     func(ctx context.Context, channel string, event *models.SecurityEvent) (map[string]services.ChannelResult, error)
	Current      services.NotificationSettings
}

func (m *MockNotificationAdmin) Settings() services.NotificationSettings {
	return m.Current
}

func (m *MockNotificationAdmin) Validate(name string) (services.ChannelReport, error) {
	if m.ValidateFunc == nil {
		return services.ChannelReport{}, models.ErrNotFound
	}
	return m.ValidateFunc(name)
}

func (m *MockNotificationAdmin) Test(ctx context.Context, channel string, event *models.SecurityEvent) (map[string]services.ChannelResult, error) {
	if m.TestFunc == nil {
		return map[string]services.ChannelResult{}, nil
	}
	return m.TestFunc(ctx, channel, event)
}

// MockLocationAdmin implements LocationAdmin for testing
type MockLocationAdmin struct {
	Cached  int
	Cleared bool
}

func (m *MockLocationAdmin) Lookup(ctx context.Context, ip string) models.Location {
	return models.Location{City: "Local", Country: "Local Network", Display: "Local Network", Source: "local"}
}

func (m *MockLocationAdmin) Stats() services.LocationStats {
	return services.LocationStats{Enabled: true, CacheSize: m.Cached}
}

func (m *MockLocationAdmin) ClearCache() int {
	n := m.Cached
	m.Cached = 0
	m.Cleared = true
	return n
}

// MockDispatcher implements EventDispatcher for testing
type MockDispatcher struct {
	mu     sync.Mutex
	Kinds  []services.NotificationType
	Events []*models.SecurityEvent
}

func (m *MockDispatcher) Dispatch(ctx context.Context, kind services.NotificationType, event *models.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Kinds = append(m.Kinds, kind)
	m.Events = append(m.Events, event)
}

// Actions returns the recorded admin action names in order
func (m *MockDispatcher) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.Action)
	}
	return out
}
