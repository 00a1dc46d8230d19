package models

import "time"

// SessionPhase is the lifecycle position of a session at a point in time
type SessionPhase int

const (
	PhaseUnauthenticated SessionPhase = iota
	PhaseActive
	PhaseWarning
	PhaseExpired
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseWarning:
		return "warning"
	case PhaseExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// SessionState is the server-side record behind a session cookie
type SessionState struct {
	ID            string     `json:"id"`
	Authenticated bool       `json:"authenticated"`
	User          string     `json:"user"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
	LoginIP       string     `json:"login_ip"`
	Device        DeviceInfo `json:"device"`
}

// SessionStatus is the derived timing view of a session
type SessionStatus struct {
	Phase           SessionPhase
	CreatedAt       time.Time
	LastActivity    time.Time
	SessionAge      time.Duration
	TimeUntilExpiry time.Duration
	ShowWarning     bool
	MaxAge          time.Duration
	WarningTime     time.Duration
}

// DeviceInfo is a coarse classification of a client user agent
type DeviceInfo struct {
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Device    string `json:"device"`
	UserAgent string `json:"user_agent"`
}

// DefaultUser is the display name of the single authorized operator
const DefaultUser = "Authorized User"
