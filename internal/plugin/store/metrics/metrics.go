package metrics

import (
	"context"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a SyncStore that records StoreLatency for every operation.
func Wrap(inner store.SyncStore) store.SyncStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.SyncStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) UpsertConnection(ctx context.Context, conn *model.ChannelConnection) (*model.ChannelConnection, error) {
	defer observe("upsert_connection", time.Now())
	return m.inner.UpsertConnection(ctx, conn)
}

func (m *metricsStore) GetConnection(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelConnection, error) {
	defer observe("get_connection", time.Now())
	return m.inner.GetConnection(ctx, tenantID, channel)
}

func (m *metricsStore) GetConnectionByID(ctx context.Context, id uuid.UUID) (*model.ChannelConnection, error) {
	defer observe("get_connection_by_id", time.Now())
	return m.inner.GetConnectionByID(ctx, id)
}

func (m *metricsStore) ListConnections(ctx context.Context, tenantID string) ([]model.ChannelConnection, error) {
	defer observe("list_connections", time.Now())
	return m.inner.ListConnections(ctx, tenantID)
}

func (m *metricsStore) SetConnectionHealth(ctx context.Context, id uuid.UUID, health model.ConnectionHealth, detail string) error {
	defer observe("set_connection_health", time.Now())
	return m.inner.SetConnectionHealth(ctx, id, health, detail)
}

func (m *metricsStore) SetDiscoveredSelf(ctx context.Context, id uuid.UUID, providerID string) error {
	defer observe("set_discovered_self", time.Now())
	return m.inner.SetDiscoveredSelf(ctx, id, providerID)
}

func (m *metricsStore) CreateSyncJob(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error) {
	defer observe("create_sync_job", time.Now())
	return m.inner.CreateSyncJob(ctx, job)
}

func (m *metricsStore) GetSyncJob(ctx context.Context, tenantID string, id uuid.UUID) (*model.SyncJob, error) {
	defer observe("get_sync_job", time.Now())
	return m.inner.GetSyncJob(ctx, tenantID, id)
}

func (m *metricsStore) LatestSyncJob(ctx context.Context, tenantID string, record model.RecordRef, channel model.Channel) (*model.SyncJob, error) {
	defer observe("latest_sync_job", time.Now())
	return m.inner.LatestSyncJob(ctx, tenantID, record, channel)
}

func (m *metricsStore) ListSyncJobs(ctx context.Context, tenantID string, record model.RecordRef, limit int) ([]model.SyncJob, error) {
	defer observe("list_sync_jobs", time.Now())
	return m.inner.ListSyncJobs(ctx, tenantID, record, limit)
}

func (m *metricsStore) ClaimSyncJob(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*model.SyncJob, bool, error) {
	defer observe("claim_sync_job", time.Now())
	return m.inner.ClaimSyncJob(ctx, id, staleBefore)
}

func (m *metricsStore) CheckpointSyncJob(ctx context.Context, id uuid.UUID, progress store.JobProgress) error {
	defer observe("checkpoint_sync_job", time.Now())
	return m.inner.CheckpointSyncJob(ctx, id, progress)
}

func (m *metricsStore) FinishSyncJob(ctx context.Context, id uuid.UUID, status model.SyncStatus, errorSummary *string, progress store.JobProgress) error {
	defer observe("finish_sync_job", time.Now())
	return m.inner.FinishSyncJob(ctx, id, status, errorSummary, progress)
}

func (m *metricsStore) ListRunnableSyncJobs(ctx context.Context, staleBefore time.Time, limit int) ([]model.SyncJob, error) {
	defer observe("list_runnable_sync_jobs", time.Now())
	return m.inner.ListRunnableSyncJobs(ctx, staleBefore, limit)
}

func (m *metricsStore) ListRetryableSyncJobs(ctx context.Context, finishedBefore time.Time, maxAttempts int, limit int) ([]model.SyncJob, error) {
	defer observe("list_retryable_sync_jobs", time.Now())
	return m.inner.ListRetryableSyncJobs(ctx, finishedBefore, maxAttempts, limit)
}

func (m *metricsStore) MarkSyncJobRetried(ctx context.Context, id uuid.UUID) (bool, error) {
	defer observe("mark_sync_job_retried", time.Now())
	return m.inner.MarkSyncJobRetried(ctx, id)
}

func (m *metricsStore) RecordSyncStatus(ctx context.Context, tenantID string, record model.RecordRef) ([]store.RecordChannelStatus, error) {
	defer observe("record_sync_status", time.Now())
	return m.inner.RecordSyncStatus(ctx, tenantID, record)
}

func (m *metricsStore) UpsertConversation(ctx context.Context, tenantID string, channel model.Channel, externalThreadID string, attrs store.ConversationAttrs) (*model.Conversation, error) {
	defer observe("upsert_conversation", time.Now())
	return m.inner.UpsertConversation(ctx, tenantID, channel, externalThreadID, attrs)
}

func (m *metricsStore) GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, tenantID, id)
}

func (m *metricsStore) AddConversationParticipant(ctx context.Context, conversationID, participantID uuid.UUID) error {
	defer observe("add_conversation_participant", time.Now())
	return m.inner.AddConversationParticipant(ctx, conversationID, participantID)
}

func (m *metricsStore) RefreshConversationStats(ctx context.Context, conversationID uuid.UUID) error {
	defer observe("refresh_conversation_stats", time.Now())
	return m.inner.RefreshConversationStats(ctx, conversationID)
}

func (m *metricsStore) ListRecordConversations(ctx context.Context, tenantID string, record model.RecordRef) ([]model.Conversation, error) {
	defer observe("list_record_conversations", time.Now())
	return m.inner.ListRecordConversations(ctx, tenantID, record)
}

func (m *metricsStore) UpsertMessage(ctx context.Context, conv *model.Conversation, in store.MessageInput) (*model.Message, store.UpsertOutcome, error) {
	defer observe("upsert_message", time.Now())
	return m.inner.UpsertMessage(ctx, conv, in)
}

func (m *metricsStore) InsertPendingMessage(ctx context.Context, conv *model.Conversation, in store.MessageInput) (*model.Message, error) {
	defer observe("insert_pending_message", time.Now())
	return m.inner.InsertPendingMessage(ctx, conv, in)
}

func (m *metricsStore) SetMessageSender(ctx context.Context, messageID uuid.UUID, participantID uuid.UUID, direction model.Direction) error {
	defer observe("set_message_sender", time.Now())
	return m.inner.SetMessageSender(ctx, messageID, participantID, direction)
}

func (m *metricsStore) ListMessages(ctx context.Context, tenantID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Message, *string, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, tenantID, conversationID, afterCursor, limit)
}

func (m *metricsStore) GetParticipant(ctx context.Context, tenantID string, id uuid.UUID) (*model.Participant, error) {
	defer observe("get_participant", time.Now())
	return m.inner.GetParticipant(ctx, tenantID, id)
}

func (m *metricsStore) FindParticipantByIdentity(ctx context.Context, tenantID string, channel model.Channel, providerID string) (*model.Participant, error) {
	defer observe("find_participant_by_identity", time.Now())
	return m.inner.FindParticipantByIdentity(ctx, tenantID, channel, providerID)
}

func (m *metricsStore) CreateParticipantWithIdentity(ctx context.Context, p *model.Participant, identity *model.ParticipantIdentity) (*model.Participant, bool, error) {
	defer observe("create_participant_with_identity", time.Now())
	return m.inner.CreateParticipantWithIdentity(ctx, p, identity)
}

func (m *metricsStore) WidenParticipantName(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	defer observe("widen_participant_name", time.Now())
	return m.inner.WidenParticipantName(ctx, id, name)
}

func (m *metricsStore) MarkAccountOwner(ctx context.Context, tenantID string, channel model.Channel, id uuid.UUID) error {
	defer observe("mark_account_owner", time.Now())
	return m.inner.MarkAccountOwner(ctx, tenantID, channel, id)
}

func (m *metricsStore) SetParticipantContactRecord(ctx context.Context, id uuid.UUID, record *model.RecordRef) error {
	defer observe("set_participant_contact_record", time.Now())
	return m.inner.SetParticipantContactRecord(ctx, id, record)
}

func (m *metricsStore) GetParticipantIdentities(ctx context.Context, participantID uuid.UUID) ([]model.ParticipantIdentity, error) {
	defer observe("get_participant_identities", time.Now())
	return m.inner.GetParticipantIdentities(ctx, participantID)
}

func (m *metricsStore) ListIdentitiesByValue(ctx context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.ParticipantIdentity, error) {
	defer observe("list_identities_by_value", time.Now())
	return m.inner.ListIdentitiesByValue(ctx, tenantID, kind, normalized)
}

func (m *metricsStore) ListEmailIdentitiesByDomain(ctx context.Context, tenantID string, domain string) ([]model.ParticipantIdentity, error) {
	defer observe("list_email_identities_by_domain", time.Now())
	return m.inner.ListEmailIdentitiesByDomain(ctx, tenantID, domain)
}

func (m *metricsStore) UpsertRecordLink(ctx context.Context, link *model.RecordLink) (*model.RecordLink, model.LinkAction, error) {
	defer observe("upsert_record_link", time.Now())
	return m.inner.UpsertRecordLink(ctx, link)
}

func (m *metricsStore) GetRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, error) {
	defer observe("get_record_link", time.Now())
	return m.inner.GetRecordLink(ctx, tenantID, id)
}

func (m *metricsStore) SoftDeleteRecordLink(ctx context.Context, tenantID string, id uuid.UUID) (*model.RecordLink, bool, error) {
	defer observe("soft_delete_record_link", time.Now())
	return m.inner.SoftDeleteRecordLink(ctx, tenantID, id)
}

func (m *metricsStore) ListRecordLinks(ctx context.Context, tenantID string, record model.RecordRef, includeDeleted bool) ([]model.RecordLink, error) {
	defer observe("list_record_links", time.Now())
	return m.inner.ListRecordLinks(ctx, tenantID, record, includeDeleted)
}

func (m *metricsStore) ListParticipantLinks(ctx context.Context, tenantID string, participantID uuid.UUID, includeDeleted bool) ([]model.RecordLink, error) {
	defer observe("list_participant_links", time.Now())
	return m.inner.ListParticipantLinks(ctx, tenantID, participantID, includeDeleted)
}

func (m *metricsStore) SaveWebhookEvent(ctx context.Context, ev *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	defer observe("save_webhook_event", time.Now())
	return m.inner.SaveWebhookEvent(ctx, ev)
}

func (m *metricsStore) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	defer observe("get_webhook_event", time.Now())
	return m.inner.GetWebhookEvent(ctx, id)
}

func (m *metricsStore) MarkWebhookEvent(ctx context.Context, id uuid.UUID, status model.WebhookStatus, errMsg string, countAttempt bool) error {
	defer observe("mark_webhook_event", time.Now())
	return m.inner.MarkWebhookEvent(ctx, id, status, errMsg, countAttempt)
}

func (m *metricsStore) ListWebhookEvents(ctx context.Context, tenantID string, status model.WebhookStatus, limit int) ([]model.WebhookEvent, error) {
	defer observe("list_webhook_events", time.Now())
	return m.inner.ListWebhookEvents(ctx, tenantID, status, limit)
}

func (m *metricsStore) ResetWebhookEvent(ctx context.Context, tenantID string, id uuid.UUID) (*model.WebhookEvent, error) {
	defer observe("reset_webhook_event", time.Now())
	return m.inner.ResetWebhookEvent(ctx, tenantID, id)
}

func (m *metricsStore) AppendEvent(ctx context.Context, ev *model.SyncEvent) error {
	defer observe("append_event", time.Now())
	return m.inner.AppendEvent(ctx, ev)
}

func (m *metricsStore) ListEvents(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]model.SyncEvent, error) {
	defer observe("list_events", time.Now())
	return m.inner.ListEvents(ctx, tenantID, afterSeq, limit)
}
