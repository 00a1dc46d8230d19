package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NotificationChannel delivers rendered messages to one destination
type NotificationChannel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
	Validate() ChannelReport
}

// ChannelReport describes whether a channel is usable as configured
type ChannelReport struct {
	Channel  string            `json:"channel"`
	Enabled  bool              `json:"enabled"`
	AllValid bool              `json:"allValid"`
	Checks   map[string]bool   `json:"checks"`
	Config   map[string]string `json:"config"`
}

func allChecksPass(checks map[string]bool) bool {
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

// retryPolicy builds the backoff schedule shared by channels.
// attempts counts the first try.
func retryPolicy(ctx context.Context, attempts int, delay time.Duration) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff
	if delay > 0 {
		b = backoff.NewConstantBackOff(delay)
	} else {
		b = &backoff.ZeroBackOff{}
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
