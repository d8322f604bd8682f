// Package cache provides the TTL key/value store backing the whitelist
// cache, the active-session markers and the reconciliation locks.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key builders for the markers shared between the API and the worker.
func WhitelistKey(sessionID string) string { return "session_whitelist:" + sessionID }

func SessionActiveKey(sessionID string) string { return "session:" + sessionID }

func ActiveScheduleKey(scheduleID string) string { return "active_schedule:" + scheduleID }

func FinalLockKey(sessionID string) string { return "final_attendance_lock:" + sessionID }

func FinalDoneKey(sessionID string) string { return "final_attendance_done:" + sessionID }

// Cache is a TTL key/value store. Values round-trip through JSON.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get unmarshals the stored value into dest and reports whether the key existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// SetNX writes the key only if absent; reports whether it acquired the key.
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

// RedisCache implements Cache on a redis client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores value as JSON under key with a TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Get loads and unmarshals key into dest.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Exists reports whether key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetNX acquires key if no one holds it.
func (c *RedisCache) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.client.SetNX(ctx, key, data, ttl).Result()
}
