// Package throttle holds the registry of sync trigger throttles. A throttle
// limits how often a full provider sync may be triggered for one record.
package throttle

import (
	"context"
	"fmt"
	"time"
)

// Throttle reserves keys for an interval.
type Throttle interface {
	// Allow reserves key for interval. When key is still reserved it returns
	// false and the time left on the reservation.
	Allow(ctx context.Context, key string, interval time.Duration) (bool, time.Duration, error)
	Close() error
}

// Loader creates a throttle from config.
type Loader func(ctx context.Context) (Throttle, error)

// Plugin represents a throttle plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a throttle plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered throttle plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named throttle plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown throttle %q; valid: %v", name, Names())
}
