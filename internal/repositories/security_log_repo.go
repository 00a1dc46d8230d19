package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
)

// SecurityLogStore persists security events
type SecurityLogStore interface {
	Append(ctx context.Context, event *models.SecurityEvent) error
	// List returns events newest first
	List(ctx context.Context) ([]*models.SecurityEvent, error)
	// DeleteBefore removes events older than cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// FileSecurityLogRepository keeps a bounded, newest-first event list in
// memory and mirrors it to a JSON file after every change
type FileSecurityLogRepository struct {
	mu         sync.RWMutex
	path       string
	maxEntries int
	events     []*models.SecurityEvent
}

// NewFileSecurityLogRepository loads path if it exists.
// An empty path keeps events in memory only.
func NewFileSecurityLogRepository(path string, maxEntries int) (*FileSecurityLogRepository, error) {
	r := &FileSecurityLogRepository{
		path:       path,
		maxEntries: maxEntries,
		events:     make([]*models.SecurityEvent, 0),
	}

	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read security log: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.events); err != nil {
			return nil, fmt.Errorf("failed to parse security log: %w", err)
		}
	}
	if len(r.events) > maxEntries {
		r.events = r.events[:maxEntries]
	}

	return r, nil
}

// Append prepends event and drops the oldest entries beyond the cap
func (r *FileSecurityLogRepository) Append(ctx context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append([]*models.SecurityEvent{event}, r.events...)
	if len(r.events) > r.maxEntries {
		r.events = r.events[:r.maxEntries]
	}
	return r.persist()
}

// List returns a copy of the event slice, newest first
func (r *FileSecurityLogRepository) List(ctx context.Context) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out, nil
}

// DeleteBefore drops events older than cutoff
func (r *FileSecurityLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0:0]
	for _, event := range r.events {
		if !event.Timestamp.Before(cutoff) {
			kept = append(kept, event)
		}
	}

	removed := len(r.events) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	r.events = kept
	return removed, r.persist()
}

// persist must be called with mu held
func (r *FileSecurityLogRepository) persist() error {
	if r.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode security log: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write security log: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace security log: %w", err)
	}
	return nil
}
