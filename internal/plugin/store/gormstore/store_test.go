package gormstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/store/gormstore"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/testutil/testdb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

func setup(t *testing.T) (*gormstore.Store, context.Context, *model.Conversation) {
	t.Helper()
	store := testdb.New(t)
	ctx := context.Background()
	conv, err := store.UpsertConversation(ctx, tenant, model.ChannelChat, "abc123", registrystore.ConversationAttrs{Subject: "Hello"})
	require.NoError(t, err)
	return store, ctx, conv
}

func ptrBool(b bool) *bool { return &b }

func TestUpsertConversationFillsSubjectOnlyWhenEmpty(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()

	first, err := store.UpsertConversation(ctx, tenant, model.ChannelEmail, "t-1", registrystore.ConversationAttrs{})
	require.NoError(t, err)
	assert.Empty(t, first.Subject)

	second, err := store.UpsertConversation(ctx, tenant, model.ChannelEmail, "t-1", registrystore.ConversationAttrs{Subject: "Quote"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Quote", second.Subject)

	third, err := store.UpsertConversation(ctx, tenant, model.ChannelEmail, "t-1", registrystore.ConversationAttrs{Subject: "Re: Quote"})
	require.NoError(t, err)
	assert.Equal(t, "Quote", third.Subject)

	_, err = store.UpsertConversation(ctx, tenant, model.ChannelEmail, " ", registrystore.ConversationAttrs{})
	var verr *registrystore.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	store, ctx, conv := setup(t)
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := registrystore.MessageInput{
		ExternalMessageID: "m1",
		SenderProviderID:  "27782270354@s.whatsapp.net",
		Content:           "hi there",
		Status:            model.MessageStatusDelivered,
		Source:            model.SourcePoll,
		SentAt:            sentAt,
	}

	msg, outcome, err := store.UpsertMessage(ctx, conv, in)
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeInserted, outcome)

	for i := 0; i < 3; i++ {
		again, outcome, err := store.UpsertMessage(ctx, conv, in)
		require.NoError(t, err)
		assert.Equal(t, registrystore.OutcomeUnchanged, outcome)
		assert.Equal(t, msg.ID, again.ID)
	}

	msgs, next, err := store.ListMessages(ctx, tenant, conv.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Nil(t, next)
}

func TestWebhookThenPollMergesIntoOneRow(t *testing.T) {
	store, ctx, conv := setup(t)
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	webhookCopy, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "m1",
		SenderProviderID:  "27782270354@s.whatsapp.net",
		Content:           "hi there",
		Status:            model.MessageStatusDelivered,
		Source:            model.SourceWebhook,
		SentAt:            sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeInserted, outcome)

	pollCopy, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "m1",
		SenderProviderID:  "27782270354@s.whatsapp.net",
		SenderName:        "Thandi",
		ProviderIsSender:  ptrBool(false),
		Content:           "hi there",
		Status:            model.MessageStatusSent,
		Source:            model.SourcePoll,
		SentAt:            sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeMerged, outcome)
	assert.Equal(t, webhookCopy.ID, pollCopy.ID)
	assert.Equal(t, "Thandi", pollCopy.SenderName)
	require.NotNil(t, pollCopy.ProviderIsSender)
	assert.False(t, *pollCopy.ProviderIsSender)
	// A poll copy with an older status never rolls delivery back.
	assert.Equal(t, model.MessageStatusDelivered, pollCopy.Status)
	assert.Equal(t, model.SourceWebhook, pollCopy.Source)
}

func TestPollWithoutIDMergesIntoProviderCopy(t *testing.T) {
	store, ctx, conv := setup(t)
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 123_000_000, time.UTC)

	withID, _, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "m7",
		SenderProviderID:  "alice@example.com",
		Content:           "see attached",
		Source:            model.SourceWebhook,
		SentAt:            sentAt,
	})
	require.NoError(t, err)

	merged, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		SenderProviderID: "alice@example.com",
		SenderName:       "Alice Smith",
		Content:          "see attached",
		Source:           model.SourcePoll,
		SentAt:           sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeMerged, outcome)
	assert.Equal(t, withID.ID, merged.ID)
	assert.Equal(t, "Alice Smith", merged.SenderName)
}

func TestMessageStatusLattice(t *testing.T) {
	store, ctx, conv := setup(t)
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	base := registrystore.MessageInput{ExternalMessageID: "m1", Content: "x", Source: model.SourceWebhook, SentAt: sentAt}

	steps := []struct {
		status  model.MessageStatus
		want    model.MessageStatus
		outcome registrystore.UpsertOutcome
	}{
		{model.MessageStatusSent, model.MessageStatusSent, registrystore.OutcomeInserted},
		{model.MessageStatusPending, model.MessageStatusSent, registrystore.OutcomeUnchanged},
		{model.MessageStatusRead, model.MessageStatusRead, registrystore.OutcomeMerged},
		{model.MessageStatusDelivered, model.MessageStatusRead, registrystore.OutcomeUnchanged},
		{model.MessageStatusFailed, model.MessageStatusRead, registrystore.OutcomeUnchanged},
	}
	for _, step := range steps {
		in := base
		in.Status = step.status
		msg, outcome, err := store.UpsertMessage(ctx, conv, in)
		require.NoError(t, err)
		assert.Equal(t, step.outcome, outcome, "status %s", step.status)
		assert.Equal(t, step.want, msg.Status, "status %s", step.status)
	}
}

func TestFailedOverridesSent(t *testing.T) {
	store, ctx, conv := setup(t)
	in := registrystore.MessageInput{ExternalMessageID: "m1", Content: "x", Status: model.MessageStatusSent, SentAt: time.Now()}
	_, _, err := store.UpsertMessage(ctx, conv, in)
	require.NoError(t, err)

	in.Status = model.MessageStatusFailed
	msg, outcome, err := store.UpsertMessage(ctx, conv, in)
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeMerged, outcome)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
}

func TestProviderCopyClaimsPendingMessage(t *testing.T) {
	store, ctx, conv := setup(t)
	self := "15550001111@s.whatsapp.net"
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	pending, err := store.InsertPendingMessage(ctx, conv, registrystore.MessageInput{
		SenderProviderID: self,
		Content:          "on my way",
		SentAt:           sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusPending, pending.Status)
	assert.Equal(t, model.DirectionOutbound, pending.Direction)
	assert.Nil(t, pending.ExternalMessageID)

	claimed, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "wamid.1",
		SenderProviderID:  self,
		Content:           "on my way",
		Status:            model.MessageStatusSent,
		Source:            model.SourceWebhook,
		SentAt:            sentAt.Add(20 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeClaimed, outcome)
	assert.Equal(t, pending.ID, claimed.ID)
	require.NotNil(t, claimed.ExternalMessageID)
	assert.Equal(t, "wamid.1", *claimed.ExternalMessageID)
	assert.Equal(t, model.MessageStatusSent, claimed.Status)

	again, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "wamid.1",
		SenderProviderID:  self,
		Content:           "on my way",
		Status:            model.MessageStatusSent,
		Source:            model.SourcePoll,
		SentAt:            sentAt.Add(20 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeUnchanged, outcome)
	assert.Equal(t, pending.ID, again.ID)

	msgs, _, err := store.ListMessages(ctx, tenant, conv.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPendingOutsideClaimWindowIsNotClaimed(t *testing.T) {
	store := testdb.NewWithClaimWindow(t, time.Minute)
	ctx := context.Background()
	conv, err := store.UpsertConversation(ctx, tenant, model.ChannelChat, "abc123", registrystore.ConversationAttrs{})
	require.NoError(t, err)
	sentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err = store.InsertPendingMessage(ctx, conv, registrystore.MessageInput{SenderProviderID: "me", Content: "ok", SentAt: sentAt})
	require.NoError(t, err)
	_, outcome, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
		ExternalMessageID: "m2", SenderProviderID: "me", Content: "ok", SentAt: sentAt.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, registrystore.OutcomeInserted, outcome)
}

func TestListMessagesPaginatesByProviderTime(t *testing.T) {
	store, ctx, conv := setup(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	// Inserted out of order; listing follows sent_at.
	for _, i := range []int{3, 1, 4, 0, 2} {
		_, _, err := store.UpsertMessage(ctx, conv, registrystore.MessageInput{
			ExternalMessageID: uuid.NewString(),
			Content:           string(rune('a' + i)),
			SentAt:            base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	var contents []string
	var cursor *string
	for {
		page, next, err := store.ListMessages(ctx, tenant, conv.ID, cursor, 2)
		require.NoError(t, err)
		for _, m := range page {
			contents = append(contents, m.Content)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, contents)

	require.NoError(t, store.RefreshConversationStats(ctx, conv.ID))
	got, err := store.GetConversation(ctx, tenant, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(base.Add(4*time.Minute)))
}

func TestSyncJobLifecycle(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	record := model.RecordRef{Type: "contact", ID: "c-1"}

	job, created, err := store.CreateSyncJob(ctx, &model.SyncJob{TenantID: tenant, RecordType: record.Type, RecordID: record.ID, Channel: model.ChannelChat})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.SyncStatusPending, job.Status)

	dup, created, err := store.CreateSyncJob(ctx, &model.SyncJob{TenantID: tenant, RecordType: record.Type, RecordID: record.ID, Channel: model.ChannelChat})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, dup.ID)

	// Finishing a job that was never claimed is rejected.
	err = store.FinishSyncJob(ctx, job.ID, model.SyncStatusSucceeded, nil, registrystore.JobProgress{})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))

	claimed, ok, err := store.ClaimSyncJob(ctx, job.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	_, ok, err = store.ClaimSyncJob(ctx, job.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a fresh heartbeat keeps the claim")

	progress := registrystore.JobProgress{
		CursorState: map[string]string{"msg:abc123": "page-2"},
		Stats:       model.SyncStats{Pages: 1, Inserted: 3},
		Warnings:    []string{"field phone: not a phone number"},
	}
	require.NoError(t, store.CheckpointSyncJob(ctx, job.ID, progress))

	err = store.FinishSyncJob(ctx, job.ID, model.SyncStatusPending, nil, progress)
	var verr *registrystore.ValidationError
	require.True(t, errors.As(err, &verr))

	require.NoError(t, store.FinishSyncJob(ctx, job.ID, model.SyncStatusSucceeded, nil, progress))
	finished, err := store.GetSyncJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSucceeded, finished.Status)
	assert.Equal(t, "page-2", finished.CursorState["msg:abc123"])
	assert.Equal(t, 3, finished.Stats.Inserted)
	assert.Equal(t, progress.Warnings, finished.Warnings)
	assert.Nil(t, finished.ActiveKey)

	require.True(t, errors.As(store.CheckpointSyncJob(ctx, job.ID, progress), &conflict))

	next, created, err := store.CreateSyncJob(ctx, &model.SyncJob{TenantID: tenant, RecordType: record.Type, RecordID: record.ID, Channel: model.ChannelChat})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, next.ID)

	statuses, err := store.RecordSyncStatus(ctx, tenant, record)
	require.NoError(t, err)
	require.Len(t, statuses, len(model.Channels))
	chat := statuses[0]
	assert.Equal(t, model.ChannelChat, chat.Channel)
	require.NotNil(t, chat.LastStatus)
	assert.Equal(t, model.SyncStatusPending, *chat.LastStatus)
	assert.False(t, chat.Complete)
	assert.NotNil(t, chat.LastSuccessAt)
	assert.Nil(t, statuses[1].LastStatus)
}

func TestStaleRunningJobCanBeReclaimed(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	job, _, err := store.CreateSyncJob(ctx, &model.SyncJob{TenantID: tenant, RecordType: "contact", RecordID: "c-1", Channel: model.ChannelEmail})
	require.NoError(t, err)
	_, ok, err := store.ClaimSyncJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	runnable, err := store.ListRunnableSyncJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, runnable, 1)

	_, ok, err = store.ClaimSyncJob(ctx, job.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetryablePartialJobs(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	job, _, err := store.CreateSyncJob(ctx, &model.SyncJob{TenantID: tenant, RecordType: "contact", RecordID: "c-2", Channel: model.ChannelChat})
	require.NoError(t, err)
	_, _, err = store.ClaimSyncJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	summary := "conversation abc123: provider unavailable"
	require.NoError(t, store.FinishSyncJob(ctx, job.ID, model.SyncStatusPartial, &summary, registrystore.JobProgress{}))

	jobs, err := store.ListRetryableSyncJobs(ctx, time.Now().Add(time.Second), 5, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = store.ListRetryableSyncJobs(ctx, time.Now().Add(time.Second), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "attempt limit reached")

	ok, err := store.MarkSyncJobRetried(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkSyncJobRetried(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParticipantIdentityIsOwnedOnce(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()

	first, created, err := store.CreateParticipantWithIdentity(ctx,
		&model.Participant{TenantID: tenant, Name: "Al"},
		&model.ParticipantIdentity{Channel: model.ChannelEmail, ProviderID: "al@example.com", Kind: model.IdentifierEmail, Normalized: "al@example.com"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.CreateParticipantWithIdentity(ctx,
		&model.Participant{TenantID: tenant, Name: "Someone"},
		&model.ParticipantIdentity{Channel: model.ChannelEmail, ProviderID: "al@example.com"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	found, err := store.FindParticipantByIdentity(ctx, tenant, model.ChannelEmail, "al@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = store.FindParticipantByIdentity(ctx, tenant, model.ChannelChat, "al@example.com")
	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(err, &nf))

	widened, err := store.WidenParticipantName(ctx, first.ID, "Alan Turing")
	require.NoError(t, err)
	assert.True(t, widened)
	widened, err = store.WidenParticipantName(ctx, first.ID, "Alan")
	require.NoError(t, err)
	assert.False(t, widened)

	byDomain, err := store.ListEmailIdentitiesByDomain(ctx, tenant, "example.com")
	require.NoError(t, err)
	require.Len(t, byDomain, 1)
	byValue, err := store.ListIdentitiesByValue(ctx, tenant, model.IdentifierEmail, "al@example.com")
	require.NoError(t, err)
	require.Len(t, byValue, 1)
}

func TestEmailDomainLookupTreatsWildcardsLiterally(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	for _, email := range []string{"a@exxample.com", "b@ex_ample.com", "c@mail.ex_ample.com", "d@ex%ample.com"} {
		_, _, err := store.CreateParticipantWithIdentity(ctx,
			&model.Participant{TenantID: tenant},
			&model.ParticipantIdentity{Channel: model.ChannelEmail, ProviderID: email, Kind: model.IdentifierEmail, Normalized: email})
		require.NoError(t, err)
	}

	found, err := store.ListEmailIdentitiesByDomain(ctx, tenant, "ex_ample.com")
	require.NoError(t, err)
	var got []string
	for _, id := range found {
		got = append(got, id.Normalized)
	}
	assert.ElementsMatch(t, []string{"b@ex_ample.com", "c@mail.ex_ample.com"}, got)

	found, err = store.ListEmailIdentitiesByDomain(ctx, tenant, "ex%ample.com")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "d@ex%ample.com", found[0].Normalized)
}

func TestRecordLinkResurrection(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	p, _, err := store.CreateParticipantWithIdentity(ctx,
		&model.Participant{TenantID: tenant},
		&model.ParticipantIdentity{Channel: model.ChannelChat, ProviderID: "27782270354@s.whatsapp.net"})
	require.NoError(t, err)

	want := &model.RecordLink{
		TenantID: tenant, ParticipantID: p.ID, RecordType: "contact", RecordID: "c-1",
		Method: model.LinkMethodExactIdentifier, Confidence: 1, IsPrimary: true, MatchedValue: "27782270354",
	}
	link, action, err := store.UpsertRecordLink(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionCreated, action)

	_, action, err = store.UpsertRecordLink(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionUnchanged, action)

	deleted, changed, err := store.SoftDeleteRecordLink(ctx, tenant, link.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, deleted.IsDeleted)
	assert.False(t, deleted.IsPrimary)
	assert.NotNil(t, deleted.DeletedAt)

	_, changed, err = store.SoftDeleteRecordLink(ctx, tenant, link.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	back, action, err := store.UpsertRecordLink(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionResurrected, action)
	assert.Equal(t, link.ID, back.ID)
	assert.False(t, back.IsDeleted)
	assert.Nil(t, back.DeletedAt)

	lower := *want
	lower.Confidence = 0.9
	lower.IsPrimary = false
	_, action, err = store.UpsertRecordLink(ctx, &lower)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionUpdated, action)

	all, err := store.ListRecordLinks(ctx, tenant, model.RecordRef{Type: "contact", ID: "c-1"}, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = store.UpsertRecordLink(ctx, &model.RecordLink{TenantID: tenant, ParticipantID: p.ID, RecordType: "contact", RecordID: "c-1", Method: "guess"})
	var verr *registrystore.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestWebhookEventDedupAndReplay(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	connID := uuid.New()

	ev, created, err := store.SaveWebhookEvent(ctx, &model.WebhookEvent{
		TenantID: tenant, ConnectionID: connID, DeliveryID: "d-1", Mapping: "generic", Payload: `{}`,
	})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := store.SaveWebhookEvent(ctx, &model.WebhookEvent{
		TenantID: tenant, ConnectionID: connID, DeliveryID: "d-1", Mapping: "generic", Payload: `{"other":true}`,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, dup.ID)

	_, err = store.ResetWebhookEvent(ctx, tenant, ev.ID)
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))

	require.NoError(t, store.MarkWebhookEvent(ctx, ev.ID, model.WebhookStatusUnparsed, "missing messages", true))
	quarantined, err := store.ListWebhookEvents(ctx, tenant, model.WebhookStatusUnparsed, 10)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, 1, quarantined[0].Attempts)

	reset, err := store.ResetWebhookEvent(ctx, tenant, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusReceived, reset.Status)
	assert.Equal(t, 0, reset.Attempts)

	_, err = store.ResetWebhookEvent(ctx, "other-tenant", ev.ID)
	var nf *registrystore.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestConnectionUpsertResetsHealth(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	self := "15550001111"

	conn, err := store.UpsertConnection(ctx, &model.ChannelConnection{TenantID: tenant, Channel: model.ChannelChat, Provider: "httpapi", SelfAddress: &self})
	require.NoError(t, err)
	require.NoError(t, store.SetConnectionHealth(ctx, conn.ID, model.ConnectionHealthAuthFailed, "401"))
	require.NoError(t, store.SetDiscoveredSelf(ctx, conn.ID, "15550001111@s.whatsapp.net"))

	again, err := store.UpsertConnection(ctx, &model.ChannelConnection{TenantID: tenant, Channel: model.ChannelChat, Provider: "httpapi", Token: "new"})
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.Equal(t, model.ConnectionHealthOK, again.Health)
	assert.Nil(t, again.DiscoveredSelf)
	assert.Nil(t, again.SelfAddress)
	assert.Equal(t, "new", again.Token)
}

func TestEventOutboxCursor(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	for _, kind := range []string{model.EventLinkCreated, model.EventSyncCompleted} {
		require.NoError(t, store.AppendEvent(ctx, &model.SyncEvent{TenantID: tenant, Kind: kind}))
	}
	require.NoError(t, store.AppendEvent(ctx, &model.SyncEvent{TenantID: "other", Kind: model.EventLinkDeleted}))

	evs, err := store.ListEvents(ctx, tenant, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventLinkCreated, evs[0].Kind)

	rest, err := store.ListEvents(ctx, tenant, evs[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, model.EventSyncCompleted, rest[0].Kind)
}
