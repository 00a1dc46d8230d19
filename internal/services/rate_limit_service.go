package services

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
)

// RateLimitConfig holds configuration for per-IP lockout behavior
type RateLimitConfig struct {
	MaxAttempts        int           // Failures that trigger a lockout
	LockoutDuration    time.Duration // Base lockout
	ProgressiveLockout bool          // Double the lockout on every repeated violation
	MaxLockoutDuration time.Duration // Cap on progressive lockouts
	Retention          time.Duration // Idle records older than this are swept
}

// DefaultRateLimitConfig returns the stock limiter settings
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts:        5,
		LockoutDuration:    15 * time.Minute,
		ProgressiveLockout: true,
		MaxLockoutDuration: 24 * time.Hour,
		Retention:          24 * time.Hour,
	}
}

// LockoutDuration returns the lockout imposed for the given violation number (1-based)
func LockoutDuration(violations int, cfg RateLimitConfig) time.Duration {
	if !cfg.ProgressiveLockout || violations <= 1 {
		return capDuration(cfg.LockoutDuration, cfg.MaxLockoutDuration)
	}

	// 2^(v-1) overflows long before the cap matters
	if violations > 32 {
		return cfg.MaxLockoutDuration
	}

	d := cfg.LockoutDuration * time.Duration(1<<uint(violations-1))
	if d <= 0 {
		return cfg.MaxLockoutDuration
	}
	return capDuration(d, cfg.MaxLockoutDuration)
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// ApplyFailure returns rec updated with one more failure at now.
// When the failure count reaches MaxAttempts a lockout is imposed and the count resets.
func ApplyFailure(rec models.RateLimitRecord, now time.Time, cfg RateLimitConfig) models.RateLimitRecord {
	if rec.Count == 0 {
		rec.FirstAttempt = now
	}
	rec.Count++
	rec.LastAttempt = now

	if rec.Count >= cfg.MaxAttempts {
		rec.Violations++
		until := now.Add(LockoutDuration(rec.Violations, cfg))
		rec.LockedUntil = &until
		rec.Count = 0
	}

	return rec
}

// RemainingMinutes rounds the time left until until up to whole minutes
func RemainingMinutes(until, now time.Time) int {
	left := until.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Minutes()))
}

// LockStatus derives the limiter view of rec at now
func LockStatus(rec models.RateLimitRecord, now time.Time) models.RateLimitStatus {
	status := models.RateLimitStatus{
		Attempts:   rec.Count,
		Violations: rec.Violations,
	}
	if rec.IsLocked(now) {
		until := *rec.LockedUntil
		status.Limited = true
		status.LockedUntil = &until
		status.RemainingMinutes = RemainingMinutes(until, now)
	}
	return status
}

// RateLimitOption customizes a RateLimitService
type RateLimitOption func(*RateLimitService)

// WithClock overrides the time source
func WithClock(now func() time.Time) RateLimitOption {
	return func(s *RateLimitService) {
		s.now = now
	}
}

// RateLimitService implements per-IP failure counting with progressive lockout
type RateLimitService struct {
	mu     sync.Mutex // Serializes read-modify-write against the store
	store  repositories.RateLimitStore
	config RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store repositories.RateLimitStore, config RateLimitConfig, logger *slog.Logger, opts ...RateLimitOption) *RateLimitService {
	s := &RateLimitService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the limiter settings
func (s *RateLimitService) Config() RateLimitConfig {
	return s.config
}

// load reads the record for ip. Store failures are logged and read as "no record"
// so an unavailable store never locks the operator out.
func (s *RateLimitService) load(ctx context.Context, ip string) (*models.RateLimitRecord, bool) {
	rec, err := s.store.Get(ctx, ip)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to read rate limit record",
				slog.String("ip", ip),
				slog.Any("error", err))
		}
		return nil, false
	}
	return rec, true
}

// CheckLimited reports whether ip is inside a lockout window.
// A record whose lockout has elapsed is removed.
func (s *RateLimitService) CheckLimited(ctx context.Context, ip string) models.RateLimitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.load(ctx, ip)
	if !ok {
		return models.RateLimitStatus{}
	}

	if rec.LockoutExpired(now) {
		if err := s.store.Delete(ctx, ip); err != nil {
			s.logger.Error("failed to delete expired rate limit record",
				slog.String("ip", ip),
				slog.Any("error", err))
		}
		return models.RateLimitStatus{}
	}

	return LockStatus(*rec, now)
}

// RecordFailure counts a failed attempt from ip and returns the resulting state
func (s *RateLimitService) RecordFailure(ctx context.Context, ip string) models.RateLimitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := models.RateLimitRecord{IP: ip}
	if existing, ok := s.load(ctx, ip); ok {
		rec = *existing
		// A finished lockout starts a fresh count but keeps the violation history
		if rec.LockoutExpired(now) {
			rec.LockedUntil = nil
			rec.Count = 0
		}
	}

	// Attempts that passed CheckLimited before a concurrent failure locked ip
	// are not counted against the new lockout
	if rec.IsLocked(now) {
		return LockStatus(rec, now)
	}

	rec = ApplyFailure(rec, now, s.config)

	if err := s.store.Set(ctx, &rec); err != nil {
		s.logger.Error("failed to store rate limit record",
			slog.String("ip", ip),
			slog.Any("error", err))
	}

	status := LockStatus(rec, now)
	if status.Limited {
		s.logger.Warn("IP locked out",
			slog.String("ip", ip),
			slog.Int("violations", rec.Violations),
			slog.Int("remaining_minutes", status.RemainingMinutes))
	}

	return status
}

// RecordSuccess forgets ip, including its violation history
func (s *RateLimitService) RecordSuccess(ctx context.Context, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, ip); err != nil {
		s.logger.Error("failed to reset rate limit record",
			slog.String("ip", ip),
			slog.Any("error", err))
	}
}

// Sweep deletes records whose lockout has elapsed and idle records past retention
func (s *RateLimitService) Sweep(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	err := s.store.Scan(ctx, func(rec *models.RateLimitRecord) bool {
		switch {
		case rec.LockoutExpired(now):
			stale = append(stale, rec.IP)
		case !rec.IsLocked(now) && now.Sub(rec.LastAttempt) > s.config.Retention:
			stale = append(stale, rec.IP)
		}
		return true
	})
	if err != nil {
		s.logger.Error("failed to scan rate limit records", slog.Any("error", err))
	}

	removed := 0
	for _, ip := range stale {
		if err := s.store.Delete(ctx, ip); err != nil {
			s.logger.Error("failed to delete stale rate limit record",
				slog.String("ip", ip),
				slog.Any("error", err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("rate limit records swept", slog.Int("removed", removed))
	}
	return removed
}

// List returns every stored record, most recently active first
func (s *RateLimitService) List(ctx context.Context) ([]models.RateLimitEntry, error) {
	now := s.now()
	entries := make([]models.RateLimitEntry, 0)

	err := s.store.Scan(ctx, func(rec *models.RateLimitRecord) bool {
		status := LockStatus(*rec, now)
		entries = append(entries, models.RateLimitEntry{
			IP:               rec.IP,
			Attempts:         rec.Count,
			Violations:       rec.Violations,
			FirstAttempt:     rec.FirstAttempt,
			LastAttempt:      rec.LastAttempt,
			LockedUntil:      rec.LockedUntil,
			IsLocked:         status.Limited,
			RemainingMinutes: status.RemainingMinutes,
		})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAttempt.After(entries[j].LastAttempt)
	})
	return entries, nil
}

// Clear removes the record for ip and reports whether one existed
func (s *RateLimitService) Clear(ctx context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.Get(ctx, ip); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.store.Delete(ctx, ip); err != nil {
		return false, err
	}
	return true, nil
}

// ClearAll removes every record and returns how many were removed
func (s *RateLimitService) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Clear(ctx)
}
