package handlers

import (
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// LoginRequest is the body of POST /login (JSON or form encoded)
type LoginRequest struct {
	AuthCode string `json:"authCode"`
}

// LoginResponse is the JSON reply to POST /login
type LoginResponse struct {
	Success           bool       `json:"success"`
	Message           string     `json:"message"`
	Error             string     `json:"error,omitempty"`
	Redirect          string     `json:"redirect,omitempty"`
	RemainingAttempts *int       `json:"remainingAttempts,omitempty"`
	RateLimited       bool       `json:"rateLimited,omitempty"`
	RemainingTime     int        `json:"remainingTime,omitempty"` // minutes
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
}

// MessageResponse is a generic success/failure reply
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RateLimitStatusResponse reports the caller's lockout state
type RateLimitStatusResponse struct {
	IP            string     `json:"ip"`
	RateLimited   bool       `json:"rateLimited"`
	RemainingTime int        `json:"remainingTime"` // minutes
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	LockedUntil   *time.Time `json:"lockedUntil"`
}

// SessionTiming is the seconds-based session view used by the status poller
type SessionTiming struct {
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
	SessionAge      int64     `json:"sessionAge"`
	TimeUntilExpiry int64     `json:"timeUntilExpiry"`
	ShowWarning     bool      `json:"showWarning"`
	MaxAge          int64     `json:"maxAge"`
	WarningTime     int64     `json:"warningTime"`
}

// AuthStatusResponse is the reply to GET /auth-status
type AuthStatusResponse struct {
	Authenticated  bool           `json:"authenticated"`
	User           *string        `json:"user"`
	SessionExpired bool           `json:"sessionExpired,omitempty"`
	SessionInfo    *SessionTiming `json:"sessionInfo,omitempty"`
}

// ExtendSessionResponse is the reply to POST /extend-session
type ExtendSessionResponse struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	NewExpiry  time.Time `json:"newExpiry"`
	ExtendedBy int       `json:"extendedBy"` // minutes
}

// SessionInfoResponse is the minutes-based session view
type SessionInfoResponse struct {
	Authenticated    bool              `json:"authenticated"`
	User             string            `json:"user"`
	LoginTime        time.Time         `json:"loginTime"`
	LastActivity     time.Time         `json:"lastActivity"`
	LoginIP          string            `json:"loginIP"`
	Device           models.DeviceInfo `json:"device"`
	SessionAge       int               `json:"sessionAge"`
	TimeUntilExpiry  int               `json:"timeUntilExpiry"`
	MaxAge           int               `json:"maxAge"`
	WarningThreshold int               `json:"warningThreshold"`
	ShowWarning      bool              `json:"showWarning"`
	AutoExtend       bool              `json:"autoExtend"`
}

// SetupResponse carries everything needed to enroll an authenticator
type SetupResponse struct {
	Secret         string `json:"secret"`
	QRCode         string `json:"qrCode"`
	ManualEntryKey string `json:"manualEntryKey"`
	OTPAuthURL     string `json:"otpauthUrl"`
	ServiceName    string `json:"serviceName"`
	Issuer         string `json:"issuer"`
}

// RegenerateSecretResponse is the reply to POST /admin/regenerate-secret
type RegenerateSecretResponse struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	Secret               string `json:"secret"`
	QRCode               string `json:"qrCode"`
	ManualEntryKey       string `json:"manualEntryKey"`
	PreviousSecretPrefix string `json:"previousSecretPrefix"`
}

// ClearRateLimitRequest is the body of POST /admin/clear-rate-limit
type ClearRateLimitRequest struct {
	IP string `json:"ip" validate:"required,ip"`
}

// TestNotificationRequest is the body of POST /admin/test-notifications
type TestNotificationRequest struct {
	Type string `json:"type" validate:"omitempty,oneof=all telegram email sendgrid ses"`
}

// RateLimitsResponse lists stored rate-limit records
type RateLimitsResponse struct {
	RateLimits []models.RateLimitEntry `json:"rateLimits"`
	Total      int                     `json:"total"`
	Locked     int                     `json:"locked"`
	Config     RateLimitConfigView     `json:"config"`
}

// RateLimitConfigView is the admin view of limiter settings
type RateLimitConfigView struct {
	MaxAttempts        int  `json:"maxAttempts"`
	LockoutMinutes     int  `json:"lockoutDuration"`
	ProgressiveLockout bool `json:"progressiveLockout"`
	MaxLockoutMinutes  int  `json:"maxLockoutDuration"`
}
