package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// MockRateLimitStore implements repositories.RateLimitStore for testing
type MockRateLimitStore struct {
	GetFunc    func(ctx context.Context, ip string) (*models.RateLimitRecord, error)
	SetFunc    func(ctx context.Context, record *models.RateLimitRecord) error
	DeleteFunc func(ctx context.Context, ip string) error
	ScanFunc   func(ctx context.Context, fn func(record *models.RateLimitRecord) bool) error
	ClearFunc  func(ctx context.Context) (int, error)
}

func (m *MockRateLimitStore) Get(ctx context.Context, ip string) (*models.RateLimitRecord, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, ip)
	}
	return nil, models.ErrNotFound
}

func (m *MockRateLimitStore) Set(ctx context.Context, record *models.RateLimitRecord) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, record)
	}
	return nil
}

func (m *MockRateLimitStore) Delete(ctx context.Context, ip string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, ip)
	}
	return nil
}

func (m *MockRateLimitStore) Scan(ctx context.Context, fn func(record *models.RateLimitRecord) bool) error {
	if m.ScanFunc != nil {
		return m.ScanFunc(ctx, fn)
	}
	return nil
}

func (m *MockRateLimitStore) Clear(ctx context.Context) (int, error) {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	return 0, nil
}

// MockSessionStore implements repositories.SessionStore for testing
type MockSessionStore struct {
	GetFunc    func(ctx context.Context, id string) (*models.SessionState, error)
	SaveFunc   func(ctx context.Context, state *models.SessionState, ttl time.Duration) error
	DeleteFunc func(ctx context.Context, id string) error
	ListFunc   func(ctx context.Context) ([]*models.SessionState, error)
}

func (m *MockSessionStore) Get(ctx context.Context, id string) (*models.SessionState, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, models.ErrSessionNotFound
}

func (m *MockSessionStore) Save(ctx context.Context, state *models.SessionState, ttl time.Duration) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, state, ttl)
	}
	return nil
}

func (m *MockSessionStore) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockSessionStore) List(ctx context.Context) ([]*models.SessionState, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return []*models.SessionState{}, nil
}

// MockSecurityLogStore implements repositories.SecurityLogStore for testing
type MockSecurityLogStore struct {
	AppendFunc       func(ctx context.Context, event *models.SecurityEvent) error
	ListFunc         func(ctx context.Context) ([]*models.SecurityEvent, error)
	DeleteBeforeFunc func(ctx context.Context, cutoff time.Time) (int, error)
}

func (m *MockSecurityLogStore) Append(ctx context.Context, event *models.SecurityEvent) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, event)
	}
	return nil
}

func (m *MockSecurityLogStore) List(ctx context.Context) ([]*models.SecurityEvent, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return []*models.SecurityEvent{}, nil
}

func (m *MockSecurityLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if m.DeleteBeforeFunc != nil {
		return m.DeleteBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

// MockCodeVerifier implements CodeVerifier for testing
type MockCodeVerifier struct {
	ValidateFunc func(secret, code string, at time.Time) (bool, error)

	mu    sync.Mutex
	Calls int
}

func (m *MockCodeVerifier) Validate(secret, code string, at time.Time) (bool, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.ValidateFunc != nil {
		return m.ValidateFunc(secret, code, at)
	}
	return false, nil
}

// CallCount returns how many times Validate ran
func (m *MockCodeVerifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockSecretSource implements SecretSource for testing
type MockSecretSource struct {
	CurrentFunc func() (string, error)
}

func (m *MockSecretSource) Current() (string, error) {
	if m.CurrentFunc != nil {
		return m.CurrentFunc()
	}
	return "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP", nil
}

// MockEventRecorder implements EventRecorder and keeps what it was given
type MockEventRecorder struct {
	mu     sync.Mutex
	Events []*models.SecurityEvent
}

func (m *MockEventRecorder) Record(ctx context.Context, event *models.SecurityEvent) *models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.Events = append(m.Events, &e)
	return &e
}

// Types returns the recorded event types in order
func (m *MockEventRecorder) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.Type)
	}
	return out
}

// Find returns the first recorded event of type t
func (m *MockEventRecorder) Find(t string) *models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Events {
		if e.Type == t {
			return e
		}
	}
	return nil
}

// MockNotifier implements Notifier and keeps the kinds it was asked to send
type MockNotifier struct {
	mu    sync.Mutex
	Kinds []NotificationType
}

func (m *MockNotifier) Notify(ctx context.Context, kind NotificationType, event *models.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Kinds = append(m.Kinds, kind)
}

// Sent returns a copy of the notified kinds
func (m *MockNotifier) Sent() []NotificationType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NotificationType(nil), m.Kinds...)
}
