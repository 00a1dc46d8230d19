package models

import "time"

// RateLimitRecord tracks failed login attempts for a single client IP
type RateLimitRecord struct {
	IP           string     `json:"ip"`
	Count        int        `json:"count"`         // Failures since the last lockout or success
	FirstAttempt time.Time  `json:"first_attempt"` // First failure of the current record
	LastAttempt  time.Time  `json:"last_attempt"`
	Violations   int        `json:"violations"` // Lockouts imposed so far
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
}

// IsLocked reports whether the record holds an active lockout at now
func (r *RateLimitRecord) IsLocked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// LockoutExpired reports whether the record held a lockout that has elapsed
func (r *RateLimitRecord) LockoutExpired(now time.Time) bool {
	return r.LockedUntil != nil && !now.Before(*r.LockedUntil)
}

// RateLimitStatus is the outcome of a limiter query or update
type RateLimitStatus struct {
	Limited          bool
	RemainingMinutes int
	Attempts         int
	Violations       int
	LockedUntil      *time.Time
}

// RateLimitEntry is the admin view of a stored record
type RateLimitEntry struct {
	IP               string     `json:"ip"`
	Attempts         int        `json:"attempts"`
	Violations       int        `json:"violations"`
	FirstAttempt     time.Time  `json:"firstAttempt"`
	LastAttempt      time.Time  `json:"lastAttempt"`
	LockedUntil      *time.Time `json:"lockedUntil"`
	IsLocked         bool       `json:"isLocked"`
	RemainingMinutes int        `json:"remainingTime"`
}
