package model

import (
	"time"

	"github.com/google/uuid"
)

// WebhookStatus tracks a received push event through processing.
type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "received"
	WebhookStatusProcessed WebhookStatus = "processed"
	// WebhookStatusUnparsed marks a quarantined payload.
	WebhookStatusUnparsed WebhookStatus = "unparsed"
	WebhookStatusFailed   WebhookStatus = "failed"
)

// WebhookEvent is a raw provider push event, stored before processing.
type WebhookEvent struct {
	ID           uuid.UUID     `json:"id"                    gorm:"primaryKey;type:varchar(36)"`
	TenantID     string        `json:"-"                     gorm:"not null;index"`
	ConnectionID uuid.UUID     `json:"connectionId"          gorm:"not null;type:varchar(36);uniqueIndex:uq_webhook_delivery,priority:1"`
	DeliveryID   string        `json:"deliveryId"            gorm:"not null;uniqueIndex:uq_webhook_delivery,priority:2"`
	Mapping      string        `json:"mapping"               gorm:"not null"`
	Payload      string        `json:"payload"               gorm:"type:text;not null"`
	Status       WebhookStatus `json:"status"                gorm:"not null;index"`
	Error        *string       `json:"error,omitempty"`
	Attempts     int           `json:"attempts"              gorm:"not null"`
	ReceivedAt   time.Time     `json:"receivedAt"`
	ProcessedAt  *time.Time    `json:"processedAt,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
