package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/models"
)

// NotificationSettings is the admin view of notification configuration
type NotificationSettings struct {
	Enabled       bool                     `json:"enabled"`
	Notifications map[string]bool          `json:"notifications"`
	Channels      map[string]ChannelStatus `json:"channels"`
}

// ChannelStatus summarizes one channel for the settings view
type ChannelStatus struct {
	Enabled    bool `json:"enabled"`
	Configured bool `json:"configured"`
}

// ChannelResult is the outcome of sending to one channel
type ChannelResult struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// NotificationManager renders security events and fans them out to channels
type NotificationManager struct {
	enabled     bool
	types       config.NotificationTypes
	channels    []NotificationChannel
	serviceName string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewNotificationManager creates a new NotificationManager
func NewNotificationManager(cfg config.NotificationConfig, serviceName string, channels []NotificationChannel, logger *slog.Logger) *NotificationManager {
	return &NotificationManager{
		enabled:     cfg.Enabled,
		types:       cfg.Types,
		channels:    channels,
		serviceName: serviceName,
		timeout:     30 * time.Second,
		logger:      logger,
	}
}

// Wants reports whether kind is switched on
func (m *NotificationManager) Wants(kind NotificationType) bool {
	if !m.enabled {
		return false
	}
	switch kind {
	case NotifyLoginSuccess:
		return m.types.LoginSuccess
	case NotifyLoginFailed:
		return m.types.LoginFailed
	case NotifyRateLimited:
		return m.types.RateLimited
	case NotifyAdminActions:
		return m.types.AdminActions
	case NotifySessionExpired:
		return m.types.SessionExpired
	case NotifyTest:
		return true
	default:
		return false
	}
}

// Notify sends event to every enabled channel when kind is switched on.
// Delivery failures are logged, never returned.
func (m *NotificationManager) Notify(ctx context.Context, kind NotificationType, event *models.SecurityEvent) {
	if !m.Wants(kind) {
		return
	}

	results := m.dispatch(ctx, kind, event, m.enabledChannels())
	for name, res := range results {
		if !res.Sent {
			m.logger.Warn("notification not delivered",
				slog.String("channel", name),
				slog.String("type", string(kind)),
				slog.String("error", res.Error))
		}
	}
}

// Test sends a test notification to the named channel, or to every enabled channel for "all"
func (m *NotificationManager) Test(ctx context.Context, channel string, event *models.SecurityEvent) (map[string]ChannelResult, error) {
	targets := m.enabledChannels()
	if channel != "" && channel != "all" {
		ch := m.channel(channel)
		if ch == nil {
			return nil, fmt.Errorf("unknown notification channel %q: %w", channel, models.ErrNotFound)
		}
		targets = []NotificationChannel{ch}
	}

	return m.dispatch(ctx, NotifyTest, event, targets), nil
}

func (m *NotificationManager) dispatch(ctx context.Context, kind NotificationType, event *models.SecurityEvent, targets []NotificationChannel) map[string]ChannelResult {
	results := make(map[string]ChannelResult, len(targets))
	if len(targets) == 0 {
		return results
	}

	msg, err := RenderMessage(kind, event, m.serviceName)
	if err != nil {
		m.logger.Error("failed to render notification", slog.String("error", err.Error()))
		for _, ch := range targets {
			results[ch.Name()] = ChannelResult{Error: "render failed"}
		}
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range targets {
		wg.Add(1)
		go func(ch NotificationChannel) {
			defer wg.Done()
			res := ChannelResult{Sent: true}
			if err := ch.Send(ctx, msg); err != nil {
				res = ChannelResult{Error: err.Error()}
			}
			mu.Lock()
			results[ch.Name()] = res
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	return results
}

func (m *NotificationManager) enabledChannels() []NotificationChannel {
	out := make([]NotificationChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Enabled() {
			out = append(out, ch)
		}
	}
	return out
}

func (m *NotificationManager) channel(name string) NotificationChannel {
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

// Validate reports on the named channel
func (m *NotificationManager) Validate(name string) (ChannelReport, error) {
	ch := m.channel(name)
	if ch == nil {
		return ChannelReport{}, fmt.Errorf("unknown notification channel %q: %w", name, models.ErrNotFound)
	}
	return ch.Validate(), nil
}

// Settings returns the toggles and channel states
func (m *NotificationManager) Settings() NotificationSettings {
	settings := NotificationSettings{
		Enabled: m.enabled,
		Notifications: map[string]bool{
			string(NotifyLoginSuccess):   m.types.LoginSuccess,
			string(NotifyLoginFailed):    m.types.LoginFailed,
			string(NotifyRateLimited):    m.types.RateLimited,
			string(NotifyAdminActions):   m.types.AdminActions,
			string(NotifySessionExpired): m.types.SessionExpired,
		},
		Channels: make(map[string]ChannelStatus, len(m.channels)),
	}
	for _, ch := range m.channels {
		report := ch.Validate()
		settings.Channels[ch.Name()] = ChannelStatus{
			Enabled:    report.Enabled,
			Configured: ch.Enabled(),
		}
	}
	return settings
}
