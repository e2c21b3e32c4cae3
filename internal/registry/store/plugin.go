package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/google/uuid"
)

// UpsertOutcome reports what UpsertMessage did with a payload.
type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeMerged    UpsertOutcome = "merged"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	// OutcomeClaimed means a pre-send optimistic row took the provider id.
	OutcomeClaimed UpsertOutcome = "claimed"
)

// ConversationAttrs are the mergeable attributes of a conversation.
type ConversationAttrs struct {
	ConnectionID *uuid.UUID
	Subject      string
}

// MessageInput is a provider message in store shape. Provider ids must
// already be canonical.
type MessageInput struct {
	ExternalMessageID string
	SenderProviderID  string
	SenderName        string
	ProviderIsSender  *bool
	Content           string
	Status            model.MessageStatus
	Source            string
	SentAt            time.Time
}

// JobProgress is the mutable state checkpointed onto a running job.
type JobProgress struct {
	CursorState map[string]string
	Stats       model.SyncStats
	Warnings    []string
}

// RecordChannelStatus summarizes sync state of one record on one channel.
type RecordChannelStatus struct {
	Channel       model.Channel     `json:"channel"`
	LastJobID     *uuid.UUID        `json:"lastJobId,omitempty"`
	LastStatus    *model.SyncStatus `json:"lastStatus,omitempty"`
	LastSyncedAt  *time.Time        `json:"lastSyncedAt,omitempty"`
	LastSuccessAt *time.Time        `json:"lastSuccessAt,omitempty"`
	ErrorSummary  *string           `json:"errorSummary,omitempty"`
	Complete      bool              `json:"complete"`
	LinkCount     int64             `json:"linkCount"`
}

// SyncStore defines the data access interface for the sync engine. Every
// lookup that takes a tenantID is scoped to it.
type SyncStore interface {
	// Connections
	UpsertConnection(ctx context.Context, conn *model.ChannelConnection) (*model.ChannelConnection, error)
	GetConnection(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelConnection, error)
	GetConnectionByID(ctx context.Context, id uuid.UUID) (*model.ChannelConnection, error)
	ListConnections(ctx context.Context, tenantID string) ([]model.ChannelConnection, error)
	SetConnectionHealth(ctx context.Context, id uuid.UUID, health model.ConnectionHealth, detail string) error
	SetDiscoveredSelf(ctx context.Context, id uuid.UUID, providerID string) error

	// Sync jobs
	// CreateSyncJob inserts a pending job unless one is already active for the
	// same (tenant, record, channel); in that case the active job is returned
	// with created=false.
	CreateSyncJob(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error)
	GetSyncJob(ctx context.Context, tenantID string, id uuid.UUID) (*model.SyncJob, error)
	// LatestSyncJob returns nil when the record was never synced on channel.
	LatestSyncJob(ctx context.Context, tenantID string, record model.RecordRef, channel model.Channel) (*model.SyncJob, error)
	ListSyncJobs(ctx context.Context, tenantID string, record model.RecordRef, limit int) ([]model.SyncJob, error)
	// ClaimSyncJob moves a pending job, or a running job whose heartbeat is
	// older than staleBefore, to running. It returns false when another
	// worker holds the job.
	ClaimSyncJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*model.SyncJob, bool, error)
	CheckpointSyncJob(ctx context.Context, id uuid.UUID, progress JobProgress) error
	FinishSyncJob(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorSummary *string, progress JobProgress) error
	ListRunnableSyncJobs(ctx context.Context, staleBefore time.Time, limit int) ([]model.SyncJob, error)
	ListRetryableSyncJobs(ctx context.Context, finishedBefore time.Time, maxAttempts int, limit int) ([]model.SyncJob, error)
	// MarkSyncJobRetried flags a finished job as retried. It returns false if
	// it was already flagged.
	MarkSyncJobRetried(ctx context.Context, id uuid.UUID) (bool, error)
	RecordSyncStatus(ctx context.Context, tenantID string, record model.RecordRef) ([]RecordChannelStatus, error)

	// Conversations
	UpsertConversation(ctx context.Context, tenantID string, channel model.Channel, externalThreadID string, attrs ConversationAttrs) (*model.Conversation, error)
	GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*model.Conversation, error)
	AddConversationParticipant(ctx context.Context, conversationID, participantID uuid.UUID) error
	RefreshConversationStats(ctx context.Context, conversationID uuid.UUID) error
	ListRecordConversations(ctx context.Context, tenantID string, record model.RecordRef) ([]model.Conversation, error)

	// Messages
	UpsertMessage(ctx context.Context, conv *model.Conversation, in MessageInput) (*model.Message, UpsertOutcome, error)
	InsertPendingMessage(ctx context.Context, conv *model.Conversation, in MessageInput) (*model.Message, error)
	SetMessageSender(ctx context.Context, messageID uuid.UUID, participantID uuid.UUID, direction model.Direction) error
	ListMessages(ctx context.Context, tenantID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Message, *string, error)

	// Participants
	GetParticipant(ctx context.Context, tenantID string, id uuid.UUID) (*model.Participant, error)
	FindParticipantByIdentity(ctx context.Context, tenantID string, channel model.Channel, providerID string) (*model.Participant, error)
	// CreateParticipantWithIdentity creates a participant owning identity. If
	// another writer already owns the identity, that participant is returned
	// with created=false.
	CreateParticipantWithIdentity(ctx context.Context, p *model.Participant, identity *model.ParticipantIdentity) (*model.Participant, bool, error)
	// WidenParticipantName replaces the name only when the new one is longer.
	WidenParticipantName(ctx context.Context, id uuid.UUID, name string) (bool, error)
	// MarkAccountOwner makes id the only account owner among the tenant's
	// participants holding an identity on channel.
	MarkAccountOwner(ctx context.Context, tenantID string, channel model.Channel, id uuid.UUID) error
	SetParticipantContactRecord(ctx context.Context, id uuid.UUID, record *model.RecordRef) error
	GetParticipantIdentities(ctx context.Context, participantID uuid.UUID) ([]model.ParticipantIdentity, error)
	ListIdentitiesByValue(ctx context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.ParticipantIdentity, error)
	// ListEmailIdentitiesByDomain returns email identities on domain or any
	// of its subdomains.
	ListEmailIdentitiesByDomain(ctx context.Context, tenantID string, domain string) ([]model.ParticipantIdentity, error)

	// Record links
	UpsertRecordLink(ctx context.Context, link *model.RecordLink) (*model.RecordLink, model.LinkAction, error)
	GetRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, error)
	// SoftDeleteRecordLink returns false when the link was already deleted.
	SoftDeleteRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, bool, error)
	ListRecordLinks(ctx context.Context, tenantID string, record model.RecordRef, includeDeleted bool) ([]model.RecordLink, error)
	ListParticipantLinks(ctx context.Context, tenantID string, participantID uuid.UUID, includeDeleted bool) ([]model.RecordLink, error)

	// Webhook events
	// SaveWebhookEvent returns created=false for a redelivery.
	SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error)
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error)
	MarkWebhookEvent(ctx context.Context, id uuid.UUID, status model.WebhookStatus, errMsg string, countAttempt bool) error
	// ListWebhookEvents lists events by status. An empty tenantID lists all tenants.
	ListWebhookEvents(ctx context.Context, tenantID string, status model.WebhookStatus, limit int) ([]model.WebhookEvent, error)
	// ResetWebhookEvent moves an unparsed or failed event back to received.
	ResetWebhookEvent(ctx context.Context, tenantID string, id uuid.UUID) (*model.WebhookEvent, error)

	// Event outbox
	AppendEvent(ctx context.Context, ev *model.SyncEvent) error
	ListEvents(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.SyncEvent, error)
}

// Loader creates a SyncStore from config.
type Loader func(ctx context.Context) (SyncStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
