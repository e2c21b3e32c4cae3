package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	published []*model.SyncEvent
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *model.SyncEvent) error {
	p.published = append(p.published, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestEmitAppendsBeforePublishing(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	pub := &recordingPublisher{}
	ob := outbox.New(store, pub)

	require.NoError(t, ob.Emit(ctx, &model.SyncEvent{TenantID: "acme", Kind: model.EventSyncCompleted}))
	require.Len(t, pub.published, 1)
	assert.NotZero(t, pub.published[0].Seq, "published events carry their outbox sequence")

	pub.err = errors.New("redis down")
	require.NoError(t, ob.Emit(ctx, &model.SyncEvent{TenantID: "acme", Kind: model.EventSyncCompleted}), "a publish failure is not fatal")

	events, err := store.ListEvents(ctx, "acme", 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
