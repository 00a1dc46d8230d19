package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Event types for security logging
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailed    = "login_failed"
	EventRateLimited    = "rate_limited"
	EventLogout         = "logout"
	EventSessionExpired = "session_expired"
	EventAdminAction    = "admin_action"
	EventInvalidFormat  = "invalid_format"
)

// EventTypes lists every recognised event type in display order
var EventTypes = []string{
	EventLoginSuccess,
	EventLoginFailed,
	EventRateLimited,
	EventLogout,
	EventSessionExpired,
	EventAdminAction,
	EventInvalidFormat,
}

// IsValidEventType reports whether t names a known event type
func IsValidEventType(t string) bool {
	for _, known := range EventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// SecurityEvent is a single entry of the security log
type SecurityEvent struct {
	ID        string    `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
	Type      string    `json:"type" db:"event_type"`

	IP             string `json:"ip" db:"ip_address"`
	UserAgent      string `json:"userAgent,omitempty" db:"user_agent"`
	Browser        string `json:"browser,omitempty" db:"browser"`
	OS             string `json:"os,omitempty" db:"os"`
	Device         string `json:"device,omitempty" db:"device"`
	AcceptLanguage string `json:"acceptLanguage,omitempty" db:"accept_language"`

	Location
	SessionID string `json:"sessionId,omitempty" db:"session_id"`

	MaskedCode        string `json:"authCode,omitempty" db:"masked_code"`
	Reason            string `json:"reason,omitempty" db:"reason"`
	Message           string `json:"message,omitempty" db:"message"`
	AttemptNumber     int    `json:"attemptNumber,omitempty" db:"attempt_number"`
	RemainingAttempts *int   `json:"remainingAttempts,omitempty" db:"remaining_attempts"`
	RemainingMinutes  int    `json:"remainingTime,omitempty" db:"remaining_minutes"`
	TotalAttempts     int    `json:"totalAttempts,omitempty" db:"total_attempts"`
	SessionMinutes    int    `json:"sessionDuration,omitempty" db:"session_minutes"`
	InactivityMinutes int    `json:"inactivityTime,omitempty" db:"inactivity_minutes"`
	Action            string `json:"action,omitempty" db:"action"`

	Details EventDetails `json:"details,omitempty" db:"details"`
}

// Location describes where a client IP is registered
type Location struct {
	City        string   `json:"city,omitempty" db:"city"`
	Region      string   `json:"region,omitempty" db:"region"`
	Country     string   `json:"country,omitempty" db:"country"`
	CountryCode string   `json:"countryCode,omitempty" db:"country_code"`
	Display     string   `json:"location,omitempty" db:"location"`
	Timezone    string   `json:"timezone,omitempty" db:"timezone"`
	ISP         string   `json:"isp,omitempty" db:"isp"`
	Org         string   `json:"org,omitempty" db:"org"`
	Postal      string   `json:"postal,omitempty" db:"postal"`
	Latitude    *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude   *float64 `json:"longitude,omitempty" db:"longitude"`
	Source      string   `json:"locationSource,omitempty" db:"location_source"`
}

// EventDetails holds free-form context for admin actions
type EventDetails map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (d *EventDetails) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*d = EventDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}(d))
}

// SecurityLogFilter narrows a security log listing
type SecurityLogFilter struct {
	Type      string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}
