// Package events holds the registry of sync event publishers. Events are
// always written to the store's outbox first; publishers fan them out to
// live consumers on a best-effort basis.
package events

import (
	"context"
	"fmt"

	"github.com/chirino/commsync/internal/model"
)

// Publisher delivers committed events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev *model.SyncEvent) error
	Close() error
}

// Loader creates a publisher from config.
type Loader func(ctx context.Context) (Publisher, error)

// Plugin represents an event publisher plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an event publisher plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered publisher plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named publisher plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown event publisher %q; valid: %v", name, Names())
}
