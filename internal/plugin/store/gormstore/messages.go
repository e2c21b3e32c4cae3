package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Conversations ---

func (s *Store) UpsertConversation(ctx context.Context, tenantID string, channel model.Channel, externalThreadID string, attrs registrystore.ConversationAttrs) (*model.Conversation, error) {
	if strings.TrimSpace(externalThreadID) == "" {
		return nil, &registrystore.ValidationError{Field: "externalThreadId", Message: "required"}
	}
	conv := model.Conversation{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Channel:          channel,
		ExternalThreadID: externalThreadID,
		ConnectionID:     attrs.ConnectionID,
		Subject:          attrs.Subject,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return &conv, nil
	}

	var existing model.Conversation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel = ? AND external_thread_id = ?", tenantID, channel, externalThreadID).
		Take(&existing).Error
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if attrs.Subject != "" && existing.Subject == "" {
		updates["subject"] = gorm.Expr("CASE WHEN subject = '' THEN ? ELSE subject END", attrs.Subject)
	}
	if attrs.ConnectionID != nil && existing.ConnectionID == nil {
		updates["connection_id"] = gorm.Expr("COALESCE(connection_id, ?)", *attrs.ConnectionID)
	}
	if len(updates) == 0 {
		return &existing, nil
	}
	if err := s.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, tenantID, existing.ID)
}

func (s *Store) GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Take(&conv).Error; err != nil {
		return nil, notFound(err, "conversation", id.String())
	}
	return &conv, nil
}

func (s *Store) AddConversationParticipant(ctx context.Context, conversationID, participantID uuid.UUID) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ConversationParticipant{
		ConversationID: conversationID,
		ParticipantID:  participantID,
	}).Error
}

func (s *Store) RefreshConversationStats(ctx context.Context, conversationID uuid.UUID) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	if err != nil {
		return err
	}
	updates := map[string]any{"message_count": count}
	// MAX(sent_at) scans as text on sqlite, so the latest row is read instead.
	if count > 0 {
		var last model.Message
		err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
			Order("sent_at DESC").Select("sent_at").Take(&last).Error
		if err != nil {
			return err
		}
		updates["last_message_at"] = last.SentAt
	}
	return s.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error
}

func (s *Store) ListRecordConversations(ctx context.Context, tenantID string, record model.RecordRef) ([]model.Conversation, error) {
	linked := s.db.Model(&model.ConversationParticipant{}).
		Select("conversation_participants.conversation_id").
		Joins("JOIN record_links ON record_links.participant_id = conversation_participants.participant_id").
		Where("record_links.tenant_id = ? AND record_links.record_type = ? AND record_links.record_id = ? AND record_links.is_deleted = ?",
			tenantID, record.Type, record.ID, false)
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id IN (?)", tenantID, linked).
		Order("last_message_at DESC").Order("id").
		Find(&convs).Error
	return convs, err
}

// --- Messages ---

func (s *Store) UpsertMessage(ctx context.Context, conv *model.Conversation, in registrystore.MessageInput) (*model.Message, registrystore.UpsertOutcome, error) {
	if in.SentAt.IsZero() {
		return nil, "", &registrystore.ValidationError{Field: "sentAt", Message: "required"}
	}
	in.SentAt = in.SentAt.UTC()
	key := registrystore.TrackingKey(conv.Channel, in.ExternalMessageID, in.Content, in.SentAt, in.SenderProviderID)

	existing, err := s.messageByKey(ctx, conv, key)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return s.mergeMessage(ctx, existing, in)
	}

	if in.ExternalMessageID != "" {
		claimed, err := s.claimPendingMessage(ctx, conv, key, in)
		if err != nil {
			return nil, "", err
		}
		if claimed != nil {
			return claimed, registrystore.OutcomeClaimed, nil
		}
	} else {
		// A copy without a provider id merges into the row of the same
		// message that already carries one.
		twin, err := s.messageByContent(ctx, conv, in)
		if err != nil {
			return nil, "", err
		}
		if twin != nil {
			return s.mergeMessage(ctx, twin, in)
		}
	}

	msg := newMessage(conv, key, in)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return nil, "", res.Error
	}
	if res.RowsAffected == 1 {
		return msg, registrystore.OutcomeInserted, nil
	}

	// Lost an insert race with a concurrent writer; merge into its row.
	existing, err = s.messageByKey(ctx, conv, key)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", errors.New("message vanished after conflicting insert")
	}
	return s.mergeMessage(ctx, existing, in)
}

func newMessage(conv *model.Conversation, key string, in registrystore.MessageInput) *model.Message {
	msg := &model.Message{
		ID:               uuid.New(),
		TenantID:         conv.TenantID,
		Channel:          conv.Channel,
		TrackingKey:      key,
		ConversationID:   conv.ID,
		ContentKey:       registrystore.ContentKey(conv.Channel, in.Content, in.SenderProviderID),
		SenderProviderID: in.SenderProviderID,
		SenderName:       in.SenderName,
		ProviderIsSender: in.ProviderIsSender,
		Content:          in.Content,
		Status:           in.Status,
		Source:           in.Source,
		SentAt:           in.SentAt,
	}
	if in.ExternalMessageID != "" {
		ext := in.ExternalMessageID
		msg.ExternalMessageID = &ext
	}
	return msg
}

func (s *Store) messageByKey(ctx context.Context, conv *model.Conversation, key string) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND channel = ? AND tracking_key = ?", conv.TenantID, conv.Channel, key).
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) messageByContent(ctx context.Context, conv *model.Conversation, in registrystore.MessageInput) (*model.Message, error) {
	from := in.SentAt.Truncate(time.Millisecond)
	var msg model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND content_key = ?", conv.ID, registrystore.ContentKey(conv.Channel, in.Content, in.SenderProviderID)).
		Where("sent_at >= ? AND sent_at < ?", from, from.Add(time.Millisecond)).
		Order("created_at").
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// mergeMessage fills only empty fields of an existing row and advances its
// status along the delivery lattice. It is one guarded UPDATE, so concurrent
// merges of the same row never lose a field.
func (s *Store) mergeMessage(ctx context.Context, existing *model.Message, in registrystore.MessageInput) (*model.Message, registrystore.UpsertOutcome, error) {
	var (
		guards []string
		args   []any
	)
	updates := map[string]any{}
	if in.ExternalMessageID != "" {
		guards = append(guards, "external_message_id IS NULL")
		updates["external_message_id"] = gorm.Expr("COALESCE(external_message_id, ?)", in.ExternalMessageID)
	}
	if in.Content != "" {
		guards = append(guards, "content = ''")
		updates["content"] = gorm.Expr("CASE WHEN content = '' THEN ? ELSE content END", in.Content)
	}
	if in.SenderProviderID != "" {
		guards = append(guards, "sender_provider_id = ''")
		updates["sender_provider_id"] = gorm.Expr("CASE WHEN sender_provider_id = '' THEN ? ELSE sender_provider_id END", in.SenderProviderID)
	}
	if in.SenderName != "" {
		guards = append(guards, "sender_name = ''")
		updates["sender_name"] = gorm.Expr("CASE WHEN sender_name = '' THEN ? ELSE sender_name END", in.SenderName)
	}
	if in.ProviderIsSender != nil {
		guards = append(guards, "provider_is_sender IS NULL")
		updates["provider_is_sender"] = gorm.Expr("COALESCE(provider_is_sender, ?)", *in.ProviderIsSender)
	}
	if superseded := in.Status.Supersedes(); len(superseded) > 0 {
		guards = append(guards, "status IN ?")
		args = append(args, superseded)
		updates["status"] = gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", superseded, in.Status)
	}
	if len(updates) == 0 {
		return existing, registrystore.OutcomeUnchanged, nil
	}

	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", existing.ID).
		Where("("+strings.Join(guards, " OR ")+")", args...).
		Updates(updates)
	if res.Error != nil {
		return nil, "", res.Error
	}
	if res.RowsAffected == 0 {
		return existing, registrystore.OutcomeUnchanged, nil
	}
	var merged model.Message
	if err := s.db.WithContext(ctx).Where("id = ?", existing.ID).Take(&merged).Error; err != nil {
		return nil, "", err
	}
	return &merged, registrystore.OutcomeMerged, nil
}

// claimPendingMessage attaches a provider copy to a row of the same message
// that has no provider id yet, typically the optimistic row recorded before
// sending. The row adopts the provider's tracking key.
func (s *Store) claimPendingMessage(ctx context.Context, conv *model.Conversation, key string, in registrystore.MessageInput) (*model.Message, error) {
	contentKey := registrystore.ContentKey(conv.Channel, in.Content, in.SenderProviderID)
	var candidate model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND content_key = ? AND external_message_id IS NULL", conv.ID, contentKey).
		Where("sent_at BETWEEN ? AND ?", in.SentAt.Add(-s.claimWindow), in.SentAt.Add(s.claimWindow)).
		Order("sent_at").
		Take(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"external_message_id": in.ExternalMessageID,
		"tracking_key":        key,
		"sent_at":             in.SentAt,
	}
	if in.SenderName != "" && candidate.SenderName == "" {
		updates["sender_name"] = in.SenderName
	}
	if in.ProviderIsSender != nil {
		updates["provider_is_sender"] = *in.ProviderIsSender
	}
	if superseded := in.Status.Supersedes(); len(superseded) > 0 {
		updates["status"] = gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", superseded, in.Status)
	}
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND external_message_id IS NULL", candidate.ID).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			// The provider copy was inserted concurrently; the caller merges.
			return nil, nil
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var claimed model.Message
	if err := s.db.WithContext(ctx).Where("id = ?", candidate.ID).Take(&claimed).Error; err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (s *Store) InsertPendingMessage(ctx context.Context, conv *model.Conversation, in registrystore.MessageInput) (*model.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, &registrystore.ValidationError{Field: "content", Message: "required"}
	}
	if in.SentAt.IsZero() {
		in.SentAt = now()
	}
	in.SentAt = in.SentAt.UTC()
	in.ExternalMessageID = ""
	in.Source = model.SourceLocal
	if in.Status == "" {
		in.Status = model.MessageStatusPending
	}
	key := registrystore.TrackingKey(conv.Channel, "", in.Content, in.SentAt, in.SenderProviderID)
	msg := newMessage(conv, key, in)
	msg.Direction = model.DirectionOutbound
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "pending message already recorded", Code: "duplicate_pending"}
		}
		return nil, err
	}
	return msg, nil
}

func (s *Store) SetMessageSender(ctx context.Context, messageID uuid.UUID, participantID uuid.UUID, direction model.Direction) error {
	return s.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", messageID).Updates(map[string]any{
		"sender_participant_id": participantID,
		"direction":             direction,
	}).Error
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Message, *string, error) {
	limit = clampLimit(limit, 50, 500)
	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND conversation_id = ?", tenantID, conversationID)
	if afterCursor != nil && *afterCursor != "" {
		afterID, err := uuid.Parse(*afterCursor)
		if err != nil {
			return nil, nil, &registrystore.ValidationError{Field: "afterCursor", Message: "invalid cursor"}
		}
		var after model.Message
		if err := s.db.WithContext(ctx).Select("id", "sent_at").
			Where("id = ? AND conversation_id = ?", afterID, conversationID).Take(&after).Error; err != nil {
			return nil, nil, notFound(err, "message", afterID.String())
		}
		q = q.Where("(sent_at > ? OR (sent_at = ? AND id > ?))", after.SentAt, after.SentAt, after.ID)
	}
	var msgs []model.Message
	if err := q.Order("sent_at").Order("id").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, nil, err
	}
	var next *string
	if len(msgs) > limit {
		msgs = msgs[:limit]
		c := msgs[limit-1].ID.String()
		next = &c
	}
	return msgs, next, nil
}
