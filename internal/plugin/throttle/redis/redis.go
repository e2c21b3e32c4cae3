// Package redis registers a trigger throttle shared by all replicas through
// Redis SET NX PX reservations.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/config"
	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
	goredis "github.com/redis/go-redis/v9"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const keyPrefix = "commsync:throttle:"

func init() {
	registrythrottle.Register(registrythrottle.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrythrottle.Throttle, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis throttle: COMMSYNC_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL connects to a Redis-compatible URL and verifies it with PING.
func LoadFromURL(ctx context.Context, redisURL string) (*Throttle, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis throttle: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis throttle: ping failed: %w", err)
	}
	return &Throttle{client: client}, nil
}

// Throttle stores one key per reservation, expiring with the interval.
type Throttle struct {
	client *goredis.Client
}

func (t *Throttle) Allow(ctx context.Context, key string, interval time.Duration) (bool, time.Duration, error) {
	if interval <= 0 {
		return true, 0, nil
	}
	ok, err := t.client.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), interval).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis throttle: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := t.client.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis throttle: %w", err)
	}
	if left < 0 {
		left = interval
	}
	return false, left, nil
}

func (t *Throttle) Close() error {
	return t.client.Close()
}

var _ registrythrottle.Throttle = (*Throttle)(nil)
