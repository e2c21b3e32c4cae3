// Package redis registers an event publisher that fans committed outbox
// events out over Redis pub/sub, one channel per tenant.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/model"
	registryevents "github.com/chirino/commsync/internal/registry/events"
	goredis "github.com/redis/go-redis/v9"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryevents.Register(registryevents.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registryevents.Publisher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis events: COMMSYNC_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// Channel is the pub/sub channel carrying a tenant's events.
func Channel(tenantID string) string {
	return "commsync:events:" + tenantID
}

// LoadFromURL connects to a Redis-compatible URL and verifies it with PING.
func LoadFromURL(ctx context.Context, redisURL string) (*Publisher, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis events: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis events: ping failed: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publisher publishes JSON-encoded events.
type Publisher struct {
	client *goredis.Client
}

func (p *Publisher) Publish(ctx context.Context, ev *model.SyncEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel(ev.TenantID), data).Err()
}

// Subscribe returns a subscription to a tenant's events. Used by tests and
// operator tooling.
func (p *Publisher) Subscribe(ctx context.Context, tenantID string) *goredis.PubSub {
	return p.client.Subscribe(ctx, Channel(tenantID))
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ registryevents.Publisher = (*Publisher)(nil)
