// Package outbox records sync and link events durably and forwards them to
// the configured live publisher.
package outbox

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/model"
	registryevents "github.com/chirino/commsync/internal/registry/events"
	registrystore "github.com/chirino/commsync/internal/registry/store"
)

// Outbox appends events to the store, then publishes them.
type Outbox struct {
	store     registrystore.SyncStore
	publisher registryevents.Publisher
}

// New creates an outbox. A nil publisher disables live fan-out.
func New(store registrystore.SyncStore, publisher registryevents.Publisher) *Outbox {
	return &Outbox{store: store, publisher: publisher}
}

// Emit commits ev. A publish failure is logged and does not fail the call;
// consumers can always catch up from the outbox.
func (o *Outbox) Emit(ctx context.Context, ev *model.SyncEvent) error {
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	if o.publisher == nil {
		return nil
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		log.Warn("Event publish failed", "kind", ev.Kind, "seq", ev.Seq, "tenant", ev.TenantID, "err", err)
	}
	return nil
}
