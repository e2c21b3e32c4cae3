package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionHealth is surfaced to operators when a provider rejects credentials.
type ConnectionHealth string

const (
	ConnectionHealthOK         ConnectionHealth = "ok"
	ConnectionHealthDegraded   ConnectionHealth = "degraded"
	ConnectionHealthAuthFailed ConnectionHealth = "auth_failed"
)

// ChannelConnection is a tenant's connected provider account for one channel.
// SelfAddress is configured by the operator; DiscoveredSelf caches the
// provider-reported account identity.
type ChannelConnection struct {
	ID             uuid.UUID        `json:"id"                       gorm:"primaryKey;type:varchar(36)"`
	TenantID       string           `json:"-"                        gorm:"not null;uniqueIndex:uq_connections,priority:1"`
	Channel        Channel          `json:"channel"                  gorm:"not null;uniqueIndex:uq_connections,priority:2"`
	Provider       string           `json:"provider"                 gorm:"not null"`
	BaseURL        string           `json:"baseUrl"`
	Token          string           `json:"-"`
	WebhookSecret  string           `json:"-"`
	WebhookMapping string           `json:"webhookMapping"`
	SelfAddress    *string          `json:"selfAddress,omitempty"`
	DiscoveredSelf *string          `json:"discoveredSelf,omitempty"`
	Health         ConnectionHealth `json:"health"                   gorm:"not null"`
	HealthDetail   string           `json:"healthDetail,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func (ChannelConnection) TableName() string { return "channel_connections" }
