package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Gate errors
	ErrInvalidCodeFormat = errors.New("authentication code must be exactly 6 digits")
	ErrSessionExpired    = errors.New("session expired due to inactivity")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSecretUnavailable = errors.New("totp secret unavailable")

	// Notification errors
	ErrChannelDisabled      = errors.New("notification channel disabled")
	ErrChannelMisconfigured = errors.New("notification channel misconfigured")
)

// RateLimitedError is returned when a client IP is inside a lockout window.
type RateLimitedError struct {
	RemainingMinutes int
	LockedUntil      time.Time
	Attempts         int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many failed attempts, try again in %d minutes", e.RemainingMinutes)
}

// InvalidCodeError is returned when a well-formed code fails verification.
type InvalidCodeError struct {
	RemainingAttempts int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid authentication code, %d attempts remaining", e.RemainingAttempts)
}
