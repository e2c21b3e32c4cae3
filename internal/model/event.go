package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventLinkCreated     = "link.created"
	EventLinkResurrected = "link.resurrected"
	EventLinkUpdated     = "link.updated"
	EventLinkDeleted     = "link.deleted"
	EventSyncCompleted   = "sync.completed"
)

// SyncEvent is an outbox row for downstream consumers (UI, workflow triggers).
// Seq is monotonically increasing and serves as the read cursor.
type SyncEvent struct {
	Seq           int64          `json:"seq"                     gorm:"primaryKey;autoIncrement"`
	TenantID      string         `json:"-"                       gorm:"not null;index"`
	Kind          string         `json:"kind"                    gorm:"not null"`
	RecordType    string         `json:"recordType,omitempty"`
	RecordID      string         `json:"recordId,omitempty"`
	ParticipantID *uuid.UUID     `json:"participantId,omitempty" gorm:"type:varchar(36)"`
	LinkID        *uuid.UUID     `json:"linkId,omitempty"        gorm:"type:varchar(36)"`
	JobID         *uuid.UUID     `json:"jobId,omitempty"         gorm:"type:varchar(36)"`
	Payload       map[string]any `json:"payload"                 gorm:"type:text;serializer:json"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (SyncEvent) TableName() string { return "sync_events" }
