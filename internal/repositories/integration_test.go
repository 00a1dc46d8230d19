//go:build integration

package repositories

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/totpgate/internal/database"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func setupPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("totpgate"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.MigrateDSN(ctx, connStr, logger))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return database.NewFromPool(pool, logger)
}

func TestRedisRateLimitRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRedisRateLimitRepository(setupRedis(t), time.Hour)

	_, err := repo.Get(ctx, "203.0.113.1")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	until := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Set(ctx, &models.RateLimitRecord{IP: "203.0.113.1", Violations: 2, LockedUntil: &until}))
	require.NoError(t, repo.Set(ctx, &models.RateLimitRecord{IP: "203.0.113.2", Count: 3}))

	got, err := repo.Get(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Violations)
	assert.True(t, got.LockedUntil.Equal(until))

	seen := map[string]bool{}
	require.NoError(t, repo.Scan(ctx, func(r *models.RateLimitRecord) bool {
		seen[r.IP] = true
		return true
	}))
	assert.Len(t, seen, 2)

	require.NoError(t, repo.Delete(ctx, "203.0.113.2"))
	n, err := repo.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisSessionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRedisSessionRepository(setupRedis(t))

	now := time.Now().UTC().Truncate(time.Millisecond)
	state := &models.SessionState{ID: "s1", Authenticated: true, User: models.DefaultUser, CreatedAt: now, LastActivity: now}
	require.NoError(t, repo.Save(ctx, state, time.Hour))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultUser, got.User)
	assert.True(t, got.LastActivity.Equal(now))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err = repo.Get(ctx, "s1")
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestPostgresSecurityLogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresSecurityLogRepository(setupPostgres(t), 1000)

	now := time.Now().UTC().Truncate(time.Microsecond)
	remaining := 3
	old := &models.SecurityEvent{
		ID: "6f1c2b9e-0a43-4f43-9a55-3a3f8e0c2a10", Timestamp: now.Add(-40 * 24 * time.Hour),
		Type: models.EventLoginFailed, IP: "203.0.113.7", MaskedCode: "12****", RemainingAttempts: &remaining,
	}
	recent := &models.SecurityEvent{
		ID: "0d0f3a6c-0b7e-4a59-a3a3-52f6f3a1c8d4", Timestamp: now,
		Type: models.EventAdminAction, IP: "127.0.0.1", Action: "clear_all_rate_limits",
		Details: models.EventDetails{"cleared": float64(2)},
	}
	require.NoError(t, repo.Append(ctx, old))
	require.NoError(t, repo.Append(ctx, recent))

	events, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, recent.ID, events[0].ID)
	assert.Equal(t, float64(2), events[0].Details["cleared"])
	require.NotNil(t, events[1].RemainingAttempts)
	assert.Equal(t, 3, *events[1].RemainingAttempts)

	removed, err := repo.DeleteBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
