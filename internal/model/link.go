package model

import (
	"time"

	"github.com/google/uuid"
)

// LinkMethod records how a participant was associated with a record.
type LinkMethod string

const (
	LinkMethodExactIdentifier LinkMethod = "exact_identifier"
	LinkMethodDomainMatch     LinkMethod = "domain_match"
	LinkMethodManual          LinkMethod = "manual"
)

// LinkAction is the outcome of writing a RecordLink.
type LinkAction string

const (
	LinkActionCreated     LinkAction = "created"
	LinkActionResurrected LinkAction = "resurrected"
	LinkActionUpdated     LinkAction = "updated"
	LinkActionUnchanged   LinkAction = "unchanged"
	LinkActionDeleted     LinkAction = "deleted"
)

// RecordLink associates a participant with a CRM record. Rows are soft-deleted
// and reactivated in place; (participant, record, method) never repeats.
type RecordLink struct {
	ID            uuid.UUID  `json:"id"                  gorm:"primaryKey;type:varchar(36)"`
	TenantID      string     `json:"-"                   gorm:"not null;uniqueIndex:uq_record_links,priority:1;index:idx_record_links_record,priority:1"`
	ParticipantID uuid.UUID  `json:"participantId"       gorm:"not null;type:varchar(36);uniqueIndex:uq_record_links,priority:2"`
	RecordType    string     `json:"recordType"          gorm:"not null;uniqueIndex:uq_record_links,priority:3;index:idx_record_links_record,priority:2"`
	RecordID      string     `json:"recordId"            gorm:"not null;uniqueIndex:uq_record_links,priority:4;index:idx_record_links_record,priority:3"`
	Method        LinkMethod `json:"method"              gorm:"not null;uniqueIndex:uq_record_links,priority:5"`
	Confidence    float64    `json:"confidence"          gorm:"not null"`
	IsPrimary     bool       `json:"isPrimary"           gorm:"not null"`
	MatchedValue  string     `json:"matchedValue"`
	IsDeleted     bool       `json:"isDeleted"           gorm:"not null"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (RecordLink) TableName() string { return "record_links" }

// Record returns the linked record reference.
func (l *RecordLink) Record() RecordRef { return RecordRef{Type: l.RecordType, ID: l.RecordID} }
