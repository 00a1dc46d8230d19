package auth

import (
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// SessionMonitor computes session timing from inactivity.
// All methods are pure: they take a state and an instant and return new values.
type SessionMonitor struct {
	MaxAge      time.Duration // Idle time after which a session expires
	WarningTime time.Duration // Remaining time at which the client is warned
	ExtendTime  time.Duration // Reported to clients on explicit extension
}

// Touch records activity at now, stamping CreatedAt on first use
func (m SessionMonitor) Touch(s models.SessionState, now time.Time) models.SessionState {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActivity = now
	return s
}

// TimeUntilExpiry is MaxAge minus the idle time at now
func (m SessionMonitor) TimeUntilExpiry(s models.SessionState, now time.Time) time.Duration {
	return m.MaxAge - now.Sub(s.LastActivity)
}

// IsExpired reports whether the idle window has been used up.
// A session with no time left is expired, matching the status view.
func (m SessionMonitor) IsExpired(s models.SessionState, now time.Time) bool {
	return m.TimeUntilExpiry(s, now) <= 0
}

// Phase classifies s at now
func (m SessionMonitor) Phase(s models.SessionState, now time.Time) models.SessionPhase {
	if !s.Authenticated {
		return models.PhaseUnauthenticated
	}
	remaining := m.TimeUntilExpiry(s, now)
	switch {
	case remaining <= 0:
		return models.PhaseExpired
	case remaining <= m.WarningTime:
		return models.PhaseWarning
	default:
		return models.PhaseActive
	}
}

// Status returns the timing view of s at now
func (m SessionMonitor) Status(s models.SessionState, now time.Time) models.SessionStatus {
	remaining := m.TimeUntilExpiry(s, now)
	if remaining < 0 {
		remaining = 0
	}

	phase := m.Phase(s, now)
	return models.SessionStatus{
		Phase:           phase,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		SessionAge:      now.Sub(s.CreatedAt),
		TimeUntilExpiry: remaining,
		ShowWarning:     phase == models.PhaseWarning || phase == models.PhaseExpired,
		MaxAge:          m.MaxAge,
		WarningTime:     m.WarningTime,
	}
}

// Extend touches s and returns it with the new expiry instant.
// ExtendTime is informational; the effective window is always MaxAge from now.
func (m SessionMonitor) Extend(s models.SessionState, now time.Time) (models.SessionState, time.Time) {
	s = m.Touch(s, now)
	return s, now.Add(m.MaxAge)
}
