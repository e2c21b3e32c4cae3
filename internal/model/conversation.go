package model

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a provider thread, unique per (tenant, channel, external thread id).
type Conversation struct {
	ID               uuid.UUID  `json:"id"                      gorm:"primaryKey;type:varchar(36)"`
	TenantID         string     `json:"-"                       gorm:"not null;uniqueIndex:uq_conversations_thread,priority:1"`
	Channel          Channel    `json:"channel"                 gorm:"not null;uniqueIndex:uq_conversations_thread,priority:2"`
	ExternalThreadID string     `json:"externalThreadId"        gorm:"not null;uniqueIndex:uq_conversations_thread,priority:3"`
	ConnectionID     *uuid.UUID `json:"connectionId,omitempty"  gorm:"type:varchar(36)"`
	Subject          string     `json:"subject"`
	MessageCount     int        `json:"messageCount"            gorm:"not null"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationParticipant joins participants to the conversations they appear in.
type ConversationParticipant struct {
	ConversationID uuid.UUID `gorm:"primaryKey;type:varchar(36)"`
	ParticipantID  uuid.UUID `gorm:"primaryKey;type:varchar(36);index"`
	CreatedAt      time.Time
}

func (ConversationParticipant) TableName() string { return "conversation_participants" }

// Message is a single provider message. TrackingKey is the dedup boundary:
// webhook and poll copies of the same message compute the same key.
// ContentKey identifies the message independent of its timestamp and is
// used to claim optimistic rows recorded before the provider assigned an id.
type Message struct {
	ID                  uuid.UUID     `json:"id"                            gorm:"primaryKey;type:varchar(36)"`
	TenantID            string        `json:"-"                             gorm:"not null;uniqueIndex:uq_messages_tracking,priority:1"`
	Channel             Channel       `json:"channel"                       gorm:"not null;uniqueIndex:uq_messages_tracking,priority:2"`
	TrackingKey         string        `json:"trackingKey"                   gorm:"not null;uniqueIndex:uq_messages_tracking,priority:3"`
	ConversationID      uuid.UUID     `json:"conversationId"                gorm:"not null;type:varchar(36);index:idx_messages_conversation,priority:1"`
	ExternalMessageID   *string       `json:"externalMessageId,omitempty"`
	ContentKey          string        `json:"-"                             gorm:"not null;index"`
	Direction           Direction     `json:"direction"`
	SenderParticipantID *uuid.UUID    `json:"senderParticipantId,omitempty" gorm:"type:varchar(36)"`
	SenderProviderID    string        `json:"senderProviderId"`
	SenderName          string        `json:"senderName,omitempty"`
	ProviderIsSender    *bool         `json:"-"`
	Content             string        `json:"content"`
	Status              MessageStatus `json:"status,omitempty"`
	Source              string        `json:"source"`
	SentAt              time.Time     `json:"sentAt"                        gorm:"not null;index:idx_messages_conversation,priority:2"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

func (Message) TableName() string { return "messages" }

const (
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
	SourceLocal   = "local"
)
