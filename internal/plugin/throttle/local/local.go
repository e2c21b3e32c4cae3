// Package local registers an in-process trigger throttle backed by a
// ristretto TTL cache. Reservations are not shared between replicas.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
	"github.com/dgraph-io/ristretto/v2"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrythrottle.Register(registrythrottle.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrythrottle.Throttle, error) {
			return New()
		},
	})
}

// Throttle keeps the expiry of each reservation in a TTL cache.
type Throttle struct {
	mu    sync.Mutex
	cache *ristretto.Cache[string, time.Time]
}

// New creates an empty local throttle.
func New() (*Throttle, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters:        100_000,
		MaxCost:            10_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("local throttle: %w", err)
	}
	return &Throttle{cache: cache}, nil
}

func (t *Throttle) Allow(_ context.Context, key string, interval time.Duration) (bool, time.Duration, error) {
	if interval <= 0 {
		return true, 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if until, ok := t.cache.Get(key); ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	if !t.cache.SetWithTTL(key, now.Add(interval), 1, interval) {
		log.Debug("Throttle reservation dropped by cache", "key", key)
	}
	// Sets are applied asynchronously; wait so the next caller sees it.
	t.cache.Wait()
	return true, 0, nil
}

func (t *Throttle) Close() error {
	t.cache.Close()
	return nil
}
