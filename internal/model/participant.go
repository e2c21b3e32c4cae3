package model

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a person seen in one or more conversations.
type Participant struct {
	ID                uuid.UUID `json:"id"                          gorm:"primaryKey;type:varchar(36)"`
	TenantID          string    `json:"-"                           gorm:"not null;index"`
	Name              string    `json:"name"`
	IsAccountOwner    bool      `json:"isAccountOwner"              gorm:"not null"`
	ContactRecordType *string   `json:"contactRecordType,omitempty"`
	ContactRecordID   *string   `json:"contactRecordId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (Participant) TableName() string { return "participants" }

// ParticipantIdentity is a (channel, provider id) pair owned by exactly one
// participant. Kind and Normalized carry the matchable identifier behind the
// provider id, when one could be derived.
type ParticipantIdentity struct {
	ID            uuid.UUID      `json:"id"            gorm:"primaryKey;type:varchar(36)"`
	TenantID      string         `json:"-"             gorm:"not null;uniqueIndex:uq_identities,priority:1;index:idx_identities_value,priority:1"`
	Channel       Channel        `json:"channel"       gorm:"not null;uniqueIndex:uq_identities,priority:2"`
	ProviderID    string         `json:"providerId"    gorm:"not null;uniqueIndex:uq_identities,priority:3"`
	ParticipantID uuid.UUID      `json:"participantId" gorm:"not null;type:varchar(36);index"`
	Kind          IdentifierKind `json:"kind,omitempty" gorm:"index:idx_identities_value,priority:2"`
	Normalized    string         `json:"normalized,omitempty" gorm:"index:idx_identities_value,priority:3"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (ParticipantIdentity) TableName() string { return "participant_identities" }
