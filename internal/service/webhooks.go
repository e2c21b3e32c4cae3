package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/ingest"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/chirino/commsync/internal/webhook"
	"github.com/google/uuid"
)

// WebhookProcessor persists provider push events and feeds them through
// the ingest pipeline on a worker pool.
type WebhookProcessor struct {
	store       registrystore.SyncStore
	mapper      *webhook.Mapper
	pipeline    *ingest.Pipeline
	builder     *address.Builder
	queue       *workQueue
	workers     int
	maxAttempts int
}

// NewWebhookProcessor creates a webhook processor from cfg.
func NewWebhookProcessor(cfg *config.Config, store registrystore.SyncStore, mapper *webhook.Mapper, pipeline *ingest.Pipeline, builder *address.Builder) *WebhookProcessor {
	p := &WebhookProcessor{
		store:       store,
		mapper:      mapper,
		pipeline:    pipeline,
		builder:     builder,
		workers:     cfg.WebhookWorkers,
		maxAttempts: cfg.WebhookMaxAttempts,
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 5
	}
	p.queue = newWorkQueue("webhook", p.workers*256)
	return p
}

// PayloadDeliveryID is the delivery id used when the provider sends none.
func PayloadDeliveryID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Receive verifies and stores a push event, then queues it. A redelivery
// returns the stored event with created=false and is not queued again.
func (p *WebhookProcessor) Receive(ctx context.Context, connectionID uuid.UUID, deliveryID, signature string, body []byte) (*model.WebhookEvent, bool, error) {
	conn, err := p.store.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}
	if conn.WebhookSecret != "" && !security.VerifySignature(conn.WebhookSecret, body, signature) {
		security.ObserveWebhookEvent("bad_signature")
		return nil, false, &registrystore.ForbiddenError{Reason: "invalid webhook signature"}
	}
	if deliveryID == "" {
		deliveryID = PayloadDeliveryID(body)
	}
	mapping := conn.WebhookMapping
	if mapping == "" {
		mapping = webhook.DefaultMapping
	}
	ev, created, err := p.store.SaveWebhookEvent(ctx, &model.WebhookEvent{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		DeliveryID:   deliveryID,
		Mapping:      mapping,
		Payload:      string(body),
	})
	if err != nil {
		return nil, false, fmt.Errorf("save webhook event: %w", err)
	}
	if !created {
		security.ObserveWebhookEvent("duplicate")
		log.Debug("Duplicate webhook delivery", "connection", conn.ID, "delivery", deliveryID)
		return ev, false, nil
	}
	security.ObserveWebhookEvent("received")
	p.queue.add(ev.ID)
	return ev, true, nil
}

// Start runs the webhook workers until ctx is cancelled.
func (p *WebhookProcessor) Start(ctx context.Context) {
	p.queue.run(ctx, p.workers, func(ctx context.Context, id uuid.UUID) {
		if err := p.Process(ctx, id); err != nil {
			log.Error("Webhook processing failed", "event", id, "err", err)
		}
	})
}

// Requeue queues stored events still waiting to be processed.
func (p *WebhookProcessor) Requeue(ctx context.Context) {
	evs, err := p.store.ListWebhookEvents(ctx, "", model.WebhookStatusReceived, 500)
	if err != nil {
		log.Error("Webhook requeue: list events failed", "err", err)
		return
	}
	for _, ev := range evs {
		p.queue.add(ev.ID)
	}
}

// Quarantined lists a tenant's events that could not be mapped or that
// exhausted their attempts.
func (p *WebhookProcessor) Quarantined(ctx context.Context, tenantID string, limit int) ([]model.WebhookEvent, error) {
	unparsed, err := p.store.ListWebhookEvents(ctx, tenantID, model.WebhookStatusUnparsed, limit)
	if err != nil {
		return nil, err
	}
	failed, err := p.store.ListWebhookEvents(ctx, tenantID, model.WebhookStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	return append(unparsed, failed...), nil
}

// Replay moves a quarantined event back to received and queues it.
func (p *WebhookProcessor) Replay(ctx context.Context, tenantID string, id uuid.UUID) (*model.WebhookEvent, error) {
	ev, err := p.store.ResetWebhookEvent(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	log.Info("Replaying webhook event", "event", id, "tenant", tenantID)
	p.queue.add(ev.ID)
	return ev, nil
}

// Process maps and ingests one stored event. Malformed payloads are
// quarantined; other failures are retried until the attempt limit.
func (p *WebhookProcessor) Process(ctx context.Context, id uuid.UUID) error {
	ev, err := p.store.GetWebhookEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status != model.WebhookStatusReceived {
		return nil
	}

	env, err := p.mapper.Map(ctx, ev.Mapping, []byte(ev.Payload))
	if err != nil {
		var malformed *webhook.MalformedPayloadError
		if errors.As(err, &malformed) {
			log.Warn("Quarantining webhook event", "event", ev.ID, "tenant", ev.TenantID, "mapping", ev.Mapping, "reason", malformed.Reason)
			security.ObserveWebhookEvent("unparsed")
			return p.store.MarkWebhookEvent(ctx, ev.ID, model.WebhookStatusUnparsed, malformed.Error(), true)
		}
		return err
	}

	if err := p.ingest(ctx, ev, env); err != nil {
		if ctx.Err() != nil {
			return err
		}
		status := model.WebhookStatusReceived
		result := "retry"
		if ev.Attempts+1 >= p.maxAttempts {
			status = model.WebhookStatusFailed
			result = "failed"
		}
		security.ObserveWebhookEvent(result)
		log.Warn("Webhook event ingest failed", "event", ev.ID, "attempt", ev.Attempts+1, "status", status, "err", err)
		return p.store.MarkWebhookEvent(ctx, ev.ID, status, err.Error(), true)
	}
	security.ObserveWebhookEvent("processed")
	return p.store.MarkWebhookEvent(ctx, ev.ID, model.WebhookStatusProcessed, "", true)
}

func (p *WebhookProcessor) ingest(ctx context.Context, ev *model.WebhookEvent, env *webhook.Envelope) error {
	conn, err := p.store.GetConnectionByID(ctx, ev.ConnectionID)
	if err != nil {
		return err
	}
	// Push events never call the provider, so only stored identities count.
	run := p.pipeline.NewRun(conn, storedSelf(p.builder, conn), model.SourceWebhook)

	convs, byThread := env.Threads()
	for _, item := range convs {
		conv, err := p.pipeline.Conversation(ctx, run, item)
		if err != nil {
			return err
		}
		if err := p.pipeline.Messages(ctx, run, conv, byThread[item.ExternalThreadID]); err != nil {
			return err
		}
	}
	if _, err := p.pipeline.Finish(ctx, run); err != nil {
		return err
	}
	for _, w := range run.Warnings() {
		log.Debug("Webhook ingest warning", "event", ev.ID, "warning", w)
	}
	stats := run.Stats()
	log.Debug("Webhook event ingested", "event", ev.ID, "conversations", stats.Conversations,
		"inserted", stats.Inserted, "merged", stats.Merged, "links", stats.Links)
	return nil
}
