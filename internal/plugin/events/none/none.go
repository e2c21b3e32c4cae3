// Package none registers an event publisher that only relies on the outbox.
package none

import (
	"context"

	"github.com/chirino/commsync/internal/model"
	registryevents "github.com/chirino/commsync/internal/registry/events"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryevents.Register(registryevents.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registryevents.Publisher, error) {
			return Publisher{}, nil
		},
	})
}

// Publisher drops events; consumers poll the outbox instead.
type Publisher struct{}

func (Publisher) Publish(context.Context, *model.SyncEvent) error { return nil }

func (Publisher) Close() error { return nil }
