package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of a SyncJob.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusSucceeded SyncStatus = "succeeded"
	SyncStatusPartial   SyncStatus = "partial"
	SyncStatusFailed    SyncStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSucceeded || s == SyncStatusPartial || s == SyncStatusFailed
}

// CanTransition enforces pending -> running -> terminal. A running job may
// be re-claimed (running -> running) after its heartbeat went stale.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	switch s {
	case SyncStatusPending:
		return to == SyncStatusRunning
	case SyncStatusRunning:
		return to == SyncStatusRunning || to.Terminal()
	default:
		return false
	}
}

// SyncStats counts what a job did.
type SyncStats struct {
	Conversations int `json:"conversations"`
	Pages         int `json:"pages"`
	Inserted      int `json:"inserted"`
	Merged        int `json:"merged"`
	Unchanged     int `json:"unchanged"`
	Links         int `json:"links"`
}

// Add accumulates other into s.
func (s *SyncStats) Add(other SyncStats) {
	s.Conversations += other.Conversations
	s.Pages += other.Pages
	s.Inserted += other.Inserted
	s.Merged += other.Merged
	s.Unchanged += other.Unchanged
	s.Links += other.Links
}

// SyncJob is one sync attempt for a record on a channel. CursorState holds
// opaque provider cursors keyed by "list:<address>" and "msg:<thread>".
type SyncJob struct {
	ID            uuid.UUID         `json:"id"                     gorm:"primaryKey;type:varchar(36)"`
	TenantID      string            `json:"-"                      gorm:"not null;index:idx_sync_jobs_record,priority:1"`
	RecordType    string            `json:"recordType"             gorm:"not null;index:idx_sync_jobs_record,priority:2"`
	RecordID      string            `json:"recordId"               gorm:"not null;index:idx_sync_jobs_record,priority:3"`
	Channel       Channel           `json:"channel"                gorm:"not null;index:idx_sync_jobs_record,priority:4"`
	Status        SyncStatus        `json:"status"                 gorm:"not null;index"`
	ActiveKey     *string           `json:"-"                      gorm:"uniqueIndex"`
	CursorState   map[string]string `json:"cursorState"            gorm:"type:text;serializer:json"`
	Warnings      []string          `json:"warnings"               gorm:"type:text;serializer:json"`
	Stats         SyncStats         `json:"stats"                  gorm:"type:text;serializer:json"`
	TriggerReason string            `json:"triggerReason"`
	Attempt       int               `json:"attempt"                gorm:"not null"`
	RetryOf       *uuid.UUID        `json:"retryOf,omitempty"      gorm:"type:varchar(36)"`
	Retried       bool              `json:"-"                      gorm:"not null"`
	ErrorSummary  *string           `json:"errorSummary,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	HeartbeatAt   *time.Time        `json:"-"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
}

func (SyncJob) TableName() string { return "sync_jobs" }

// Record returns the record reference of the job.
func (j *SyncJob) Record() RecordRef { return RecordRef{Type: j.RecordType, ID: j.RecordID} }

// JobActiveKey is the value held in SyncJob.ActiveKey while a job is pending
// or running; it is cleared when the job finishes.
func JobActiveKey(tenantID string, record RecordRef, channel Channel) string {
	return tenantID + "|" + record.Type + "|" + record.ID + "|" + string(channel)
}
