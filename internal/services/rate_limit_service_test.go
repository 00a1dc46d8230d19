package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newLimiter(clock *fakeClock) (*services.RateLimitService, *repositories.MemoryRateLimitRepository) {
	store := repositories.NewMemoryRateLimitRepository()
	svc := services.NewRateLimitService(store, services.DefaultRateLimitConfig(), discardLogger(), services.WithClock(clock.Now))
	return svc, store
}

func TestLockoutDuration(t *testing.T) {
	cfg := services.DefaultRateLimitConfig()

	tests := []struct {
		violations int
		expected   time.Duration
	}{
		{1, 15 * time.Minute},
		{2, 30 * time.Minute},
		{3, 60 * time.Minute},
		{4, 2 * time.Hour},
		{6, 8 * time.Hour},
		{7, 16 * time.Hour},
		{8, 24 * time.Hour},
		{40, 24 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, services.LockoutDuration(tt.violations, cfg), "violations=%d", tt.violations)
	}
}

func TestLockoutDuration_NotProgressive(t *testing.T) {
	cfg := services.DefaultRateLimitConfig()
	cfg.ProgressiveLockout = false

	assert.Equal(t, 15*time.Minute, services.LockoutDuration(1, cfg))
	assert.Equal(t, 15*time.Minute, services.LockoutDuration(5, cfg))
}

func TestApplyFailure_LocksOnMaxAttempts(t *testing.T) {
	cfg := services.DefaultRateLimitConfig()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := models.RateLimitRecord{IP: "203.0.113.5"}
	for i := 1; i < cfg.MaxAttempts; i++ {
		rec = services.ApplyFailure(rec, now, cfg)
		assert.Equal(t, i, rec.Count)
		assert.Nil(t, rec.LockedUntil)
	}

	rec = services.ApplyFailure(rec, now, cfg)
	assert.Equal(t, 0, rec.Count)
	assert.Equal(t, 1, rec.Violations)
	require.NotNil(t, rec.LockedUntil)
	assert.True(t, rec.LockedUntil.Equal(now.Add(15*time.Minute)))
}

func TestRemainingMinutes_RoundsUp(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 15, services.RemainingMinutes(now.Add(15*time.Minute), now))
	assert.Equal(t, 1, services.RemainingMinutes(now.Add(time.Second), now))
	assert.Equal(t, 2, services.RemainingMinutes(now.Add(61*time.Second), now))
	assert.Equal(t, 0, services.RemainingMinutes(now, now))
	assert.Equal(t, 0, services.RemainingMinutes(now.Add(-time.Minute), now))
}

func TestRateLimitService_FifthFailureLocks(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, _ := newLimiter(clock)
	ip := "203.0.113.10"

	for i := 1; i <= 4; i++ {
		status := svc.RecordFailure(ctx, ip)
		assert.False(t, status.Limited)
		assert.Equal(t, i, status.Attempts)
	}
	assert.False(t, svc.CheckLimited(ctx, ip).Limited)

	status := svc.RecordFailure(ctx, ip)
	assert.True(t, status.Limited)
	assert.Equal(t, 15, status.RemainingMinutes)
	assert.Equal(t, 1, status.Violations)

	check := svc.CheckLimited(ctx, ip)
	assert.True(t, check.Limited)
	assert.Equal(t, 15, check.RemainingMinutes)
}

func TestRateLimitService_ProgressiveLockout(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, store := newLimiter(clock)
	ip := "198.51.100.4"

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, ip)
	}
	clock.Advance(16 * time.Minute)

	// Lockout elapsed: the next failure starts a fresh count but remembers the violation
	status := svc.RecordFailure(ctx, ip)
	assert.False(t, status.Limited)
	assert.Equal(t, 1, status.Attempts)

	for i := 0; i < 4; i++ {
		status = svc.RecordFailure(ctx, ip)
	}
	assert.True(t, status.Limited)
	assert.Equal(t, 2, status.Violations)
	assert.Equal(t, 30, status.RemainingMinutes)

	rec, err := store.Get(ctx, ip)
	require.NoError(t, err)
	assert.True(t, rec.LockedUntil.Equal(clock.Now().Add(30*time.Minute)))
}

func TestRateLimitService_FailuresDuringLockoutAreNotCounted(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, store := newLimiter(clock)
	ip := "198.51.100.7"

	// Ten wrong codes in flight at once, all admitted before the lockout
	var wg sync.WaitGroup
	statuses := make([]models.RateLimitStatus, 10)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = svc.RecordFailure(ctx, ip)
		}(i)
	}
	wg.Wait()

	limited := 0
	for _, st := range statuses {
		if st.Limited {
			limited++
			assert.Equal(t, 15, st.RemainingMinutes)
		}
	}
	assert.Equal(t, 6, limited)

	rec, err := store.Get(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Violations)
	assert.Equal(t, 0, rec.Count)
	assert.True(t, rec.LockedUntil.Equal(clock.Now().Add(15*time.Minute)))

	// The first failure after the lockout starts a fresh count
	clock.Advance(16 * time.Minute)
	status := svc.RecordFailure(ctx, ip)
	assert.False(t, status.Limited)
	assert.Equal(t, 1, status.Attempts)
}

func TestRateLimitService_CheckLimitedRemovesExpiredLockout(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, store := newLimiter(clock)
	ip := "192.0.2.77"

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, ip)
	}
	clock.Advance(15 * time.Minute)

	assert.False(t, svc.CheckLimited(ctx, ip).Limited)
	_, err := store.Get(ctx, ip)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRateLimitService_RecordSuccessForgetsViolations(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, store := newLimiter(clock)
	ip := "192.0.2.8"

	svc.RecordFailure(ctx, ip)
	svc.RecordFailure(ctx, ip)
	svc.RecordSuccess(ctx, ip)

	_, err := store.Get(ctx, ip)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, 1, svc.RecordFailure(ctx, ip).Attempts)
}

func TestRateLimitService_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, store := newLimiter(clock)

	// idle record past retention
	svc.RecordFailure(ctx, "10.0.0.1")
	// active lockout
	clock.Advance(25 * time.Hour)
	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "10.0.0.2")
	}
	// recent idle record
	svc.RecordFailure(ctx, "10.0.0.3")

	removed := svc.Sweep(ctx, clock.Now())
	assert.Equal(t, 1, removed)

	_, err := store.Get(ctx, "10.0.0.2")
	assert.NoError(t, err)

	// once the lockout elapses the record goes too
	clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, svc.Sweep(ctx, clock.Now()))
	_, err = store.Get(ctx, "10.0.0.3")
	assert.NoError(t, err)
}

func TestRateLimitService_ListSortedByLastAttempt(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, _ := newLimiter(clock)

	svc.RecordFailure(ctx, "10.0.0.1")
	clock.Advance(time.Minute)
	svc.RecordFailure(ctx, "10.0.0.2")
	clock.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "10.0.0.3")
	}

	entries, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "10.0.0.3", entries[0].IP)
	assert.True(t, entries[0].IsLocked)
	assert.Equal(t, 15, entries[0].RemainingMinutes)
	assert.Equal(t, "10.0.0.1", entries[2].IP)
}

func TestRateLimitService_ClearAndClearAll(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	svc, _ := newLimiter(clock)

	svc.RecordFailure(ctx, "10.0.0.1")
	svc.RecordFailure(ctx, "10.0.0.2")

	cleared, err := svc.Clear(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = svc.Clear(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, cleared)

	n, err := svc.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRateLimitService_StoreReadFailureIsNotALockout(t *testing.T) {
	ctx := context.Background()
	store := &services.MockRateLimitStore{
		GetFunc: func(ctx context.Context, ip string) (*models.RateLimitRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := services.NewRateLimitService(store, services.DefaultRateLimitConfig(), discardLogger())

	assert.False(t, svc.CheckLimited(ctx, "10.0.0.9").Limited)
	assert.Equal(t, 1, svc.RecordFailure(ctx, "10.0.0.9").Attempts)
}
