package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis carries the shared client behind the cache, the marker keys and the
// event queue. go-redis sizes its own read deadline for blocking pops, so
// the short timeouts here only bound ordinary commands.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the shared client. Connectivity is checked lazily; use
// Healthy for an explicit probe.
func NewRedis(addr string) *Redis {
	return &Redis{Client: redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     16,
	})}
}

// Healthy reports whether redis answers a ping.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
