package service

import (
	"context"
	"time"

	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
)

// Messages serves conversation history and optimistic sends.
type Messages struct {
	store   registrystore.SyncStore
	builder *address.Builder
}

func NewMessages(store registrystore.SyncStore, builder *address.Builder) *Messages {
	return &Messages{store: store, builder: builder}
}

// List pages a conversation's messages in provider timestamp order.
func (m *Messages) List(ctx context.Context, tenantID string, conversationID uuid.UUID, afterCursor *string, limit int) ([]model.Message, *string, error) {
	if _, err := m.store.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, nil, err
	}
	return m.store.ListMessages(ctx, tenantID, conversationID, afterCursor, limit)
}

// RecordPending stores an outbound message before the provider has assigned
// it an id. The next poll or webhook carrying the same content claims the row.
func (m *Messages) RecordPending(ctx context.Context, tenantID string, conversationID uuid.UUID, content string, sentAt time.Time) (*model.Message, error) {
	conv, err := m.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	var sender string
	if conn, err := m.store.GetConnection(ctx, tenantID, conv.Channel); err == nil {
		sender = storedSelf(m.builder, conn)
	}
	outbound := true
	return m.store.InsertPendingMessage(ctx, conv, registrystore.MessageInput{
		SenderProviderID: sender,
		ProviderIsSender: &outbound,
		Content:          content,
		SentAt:           sentAt,
	})
}
