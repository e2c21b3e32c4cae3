// Package gormstore implements registry/store.SyncStore on gorm. The postgres
// and sqlite plugins share it, so every query here sticks to SQL both accept.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table owned by the store, in migration order.
var Models = []any{
	&model.ChannelConnection{},
	&model.SyncJob{},
	&model.Conversation{},
	&model.ConversationParticipant{},
	&model.Message{},
	&model.Participant{},
	&model.ParticipantIdentity{},
	&model.RecordLink{},
	&model.WebhookEvent{},
	&model.SyncEvent{},
}

// Config returns the gorm configuration used by both dialects. Timestamps
// are always written in UTC.
func Config() *gorm.Config {
	return &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
}

// AutoMigrate creates or updates the schema.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// DefaultClaimWindow bounds how far apart a pre-send row and its provider
// copy may be timestamped for the copy to claim the row.
const DefaultClaimWindow = 10 * time.Minute

// Store implements SyncStore.
type Store struct {
	db          *gorm.DB
	claimWindow time.Duration
}

// New wraps an open gorm connection. A zero claimWindow uses DefaultClaimWindow.
func New(db *gorm.DB, claimWindow time.Duration) *Store {
	if claimWindow <= 0 {
		claimWindow = DefaultClaimWindow
	}
	return &Store{db: db, claimWindow: claimWindow}
}

// DB exposes the underlying connection for plugin wiring and tests.
func (s *Store) DB() *gorm.DB { return s.db }

var _ registrystore.SyncStore = (*Store)(nil)

func now() time.Time { return time.Now().UTC() }

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return true
	}
	return false
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &registrystore.NotFoundError{Resource: resource, ID: id}
	}
	return err
}

// jsonText renders a value for a serializer:json column in map updates,
// which bypass gorm serializers.
func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
