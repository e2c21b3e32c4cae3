package gormstore

import (
	"context"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Webhook events ---

func (s *Store) SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	if ev.DeliveryID == "" {
		return nil, false, &registrystore.ValidationError{Field: "deliveryId", Message: "required"}
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = model.WebhookStatusReceived
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return ev, true, nil
	}
	var existing model.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND delivery_id = ?", ev.ConnectionID, ev.DeliveryID).
		Take(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&ev).Error; err != nil {
		return nil, notFound(err, "webhook event", id.String())
	}
	return &ev, nil
}

func (s *Store) MarkWebhookEvent(ctx context.Context, id uuid.UUID, status model.WebhookStatus, errMsg string, countAttempt bool) error {
	updates := map[string]any{"status": status}
	if errMsg != "" {
		updates["error"] = errMsg
	} else {
		updates["error"] = nil
	}
	if countAttempt {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if status == model.WebhookStatusProcessed {
		updates["processed_at"] = now()
	}
	return s.db.WithContext(ctx).Model(&model.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) ListWebhookEvents(ctx context.Context, tenantID string, status model.WebhookStatus, limit int) ([]model.WebhookEvent, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var evs []model.WebhookEvent
	err := q.Order("received_at").Limit(clampLimit(limit, 100, 1000)).Find(&evs).Error
	return evs, err
}

func (s *Store) ResetWebhookEvent(ctx context.Context, tenantID string, id uuid.UUID) (*model.WebhookEvent, error) {
	res := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID,
			[]model.WebhookStatus{model.WebhookStatusUnparsed, model.WebhookStatusFailed}).
		Updates(map[string]any{
			"status":   model.WebhookStatusReceived,
			"error":    nil,
			"attempts": 0,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	var ev model.WebhookEvent
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&ev).Error; err != nil {
		return nil, notFound(err, "webhook event", id.String())
	}
	if res.RowsAffected == 0 {
		return nil, &registrystore.ConflictError{
			Message: "webhook event is not quarantined",
			Code:    "not_quarantined",
			Details: map[string]any{"status": ev.Status},
		}
	}
	return &ev, nil
}

// --- Event outbox ---

func (s *Store) AppendEvent(ctx context.Context, ev *model.SyncEvent) error {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *Store) ListEvents(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.SyncEvent, error) {
	var evs []model.SyncEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND seq > ?", tenantID, afterSeq).
		Order("seq").
		Limit(clampLimit(limit, 100, 1000)).
		Find(&evs).Error
	return evs, err
}
