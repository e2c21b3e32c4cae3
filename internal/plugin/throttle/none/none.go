// Package none registers a throttle that never limits triggers.
package none

import (
	"context"
	"time"

	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrythrottle.Register(registrythrottle.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrythrottle.Throttle, error) {
			return Throttle{}, nil
		},
	})
}

// Throttle allows everything.
type Throttle struct{}

func (Throttle) Allow(context.Context, string, time.Duration) (bool, time.Duration, error) {
	return true, 0, nil
}

func (Throttle) Close() error { return nil }
