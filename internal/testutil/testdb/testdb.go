// Package testdb provides an isolated in-memory SQLite store per test.
package testdb

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/plugin/store/gormstore"
	"github.com/chirino/commsync/internal/plugin/store/sqlite"
	"github.com/google/uuid"
)

// New returns a migrated store backed by a private in-memory database that
// is closed when the test ends.
func New(tb testing.TB) *gormstore.Store {
	tb.Helper()
	return NewWithClaimWindow(tb, 0)
}

// NewWithClaimWindow is New with a custom optimistic claim window.
func NewWithClaimWindow(tb testing.TB, claimWindow time.Duration) *gormstore.Store {
	tb.Helper()
	db, err := sqlite.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sqlite handle: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(context.Background(), db); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	return gormstore.New(db, claimWindow)
}
