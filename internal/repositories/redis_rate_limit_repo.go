package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "totpgate:ratelimit:"

// RedisRateLimitRepository stores records as JSON values in Redis.
// Keys carry a TTL so abandoned records disappear even without a sweep.
type RedisRateLimitRepository struct {
	client *redis.Client
	ttl    time.Duration // Upper bound on record lifetime (retention + max lockout)
}

// NewRedisRateLimitRepository creates a Redis-backed store
func NewRedisRateLimitRepository(client *redis.Client, ttl time.Duration) *RedisRateLimitRepository {
	return &RedisRateLimitRepository{client: client, ttl: ttl}
}

func rateLimitKey(ip string) string {
	return rateLimitKeyPrefix + ip
}

// Get returns the record for ip
func (r *RedisRateLimitRepository) Get(ctx context.Context, ip string) (*models.RateLimitRecord, error) {
	data, err := r.client.Get(ctx, rateLimitKey(ip)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rate limit record: %w", err)
	}

	var record models.RateLimitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode rate limit record: %w", err)
	}
	return &record, nil
}

// Set stores record with the repository TTL
func (r *RedisRateLimitRepository) Set(ctx context.Context, record *models.RateLimitRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit record: %w", err)
	}

	if err := r.client.Set(ctx, rateLimitKey(record.IP), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rate limit record: %w", err)
	}
	return nil
}

// Delete removes the record for ip
func (r *RedisRateLimitRepository) Delete(ctx context.Context, ip string) error {
	if err := r.client.Del(ctx, rateLimitKey(ip)).Err(); err != nil {
		return fmt.Errorf("failed to delete rate limit record: %w", err)
	}
	return nil
}

// Scan walks all records with SCAN so large keyspaces are not blocked
func (r *RedisRateLimitRepository) Scan(ctx context.Context, fn func(record *models.RateLimitRecord) bool) error {
	iter := r.client.Scan(ctx, 0, rateLimitKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Expired between SCAN and GET
			}
			return fmt.Errorf("failed to read rate limit record: %w", err)
		}

		var record models.RateLimitRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if !fn(&record) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan rate limit records: %w", err)
	}
	return nil
}

// Clear deletes every rate limit key
func (r *RedisRateLimitRepository) Clear(ctx context.Context) (int, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, rateLimitKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan rate limit records: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear rate limit records: %w", err)
	}
	return int(deleted), nil
}
