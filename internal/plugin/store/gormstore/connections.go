package gormstore

import (
	"context"
	"strings"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

func (s *Store) UpsertConnection(ctx context.Context, conn *model.ChannelConnection) (*model.ChannelConnection, error) {
	if conn.TenantID == "" {
		return nil, &registrystore.ValidationError{Field: "tenantId", Message: "required"}
	}
	if _, ok := model.ParseChannel(string(conn.Channel)); !ok {
		return nil, &registrystore.ValidationError{Field: "channel", Message: "unknown channel"}
	}
	if strings.TrimSpace(conn.Provider) == "" {
		return nil, &registrystore.ValidationError{Field: "provider", Message: "required"}
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Health == "" {
		conn.Health = model.ConnectionHealthOK
	}
	// Replacing credentials clears a previous auth failure and any cached
	// self identity, which may belong to a different account.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "channel"}},
		DoUpdates: clause.Assignments(map[string]any{
			"provider":        conn.Provider,
			"base_url":        conn.BaseURL,
			"token":           conn.Token,
			"webhook_secret":  conn.WebhookSecret,
			"webhook_mapping": conn.WebhookMapping,
			"self_address":    conn.SelfAddress,
			"discovered_self": nil,
			"health":          model.ConnectionHealthOK,
			"health_detail":   "",
			"updated_at":      now(),
		}),
	}).Create(conn).Error
	if err != nil {
		return nil, err
	}
	return s.GetConnection(ctx, conn.TenantID, conn.Channel)
}

func (s *Store) GetConnection(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelConnection, error) {
	var conn model.ChannelConnection
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND channel = ?", tenantID, channel).Take(&conn).Error
	if err != nil {
		return nil, notFound(err, "connection", string(channel))
	}
	return &conn, nil
}

func (s *Store) GetConnectionByID(ctx context.Context, id uuid.UUID) (*model.ChannelConnection, error) {
	var conn model.ChannelConnection
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conn).Error; err != nil {
		return nil, notFound(err, "connection", id.String())
	}
	return &conn, nil
}

func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]model.ChannelConnection, error) {
	var conns []model.ChannelConnection
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("channel").Find(&conns).Error
	return conns, err
}

func (s *Store) SetConnectionHealth(ctx context.Context, id uuid.UUID, health model.ConnectionHealth, detail string) error {
	return s.db.WithContext(ctx).Model(&model.ChannelConnection{}).Where("id = ?", id).Updates(map[string]any{
		"health":        health,
		"health_detail": detail,
	}).Error
}

func (s *Store) SetDiscoveredSelf(ctx context.Context, id uuid.UUID, providerID string) error {
	return s.db.WithContext(ctx).Model(&model.ChannelConnection{}).Where("id = ?", id).
		Update("discovered_self", providerID).Error
}
