package participant_test

import (
	"context"
	"sync"
	"testing"

	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/participant"
	"github.com/chirino/commsync/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = "15550001111@s.whatsapp.net"

func newResolver(t *testing.T, selfID string) (*participant.Resolver, context.Context) {
	t.Helper()
	store := testdb.New(t)
	return participant.NewResolver(store, address.NewBuilder(""), "acme", model.ChannelChat, selfID), context.Background()
}

func TestAcceptableName(t *testing.T) {
	id := "27782270354@s.whatsapp.net"
	for _, name := range []string{"", "  ", "Unknown", id, "27782270354", "+27 78 227 0354", "027782270354"} {
		assert.False(t, participant.AcceptableName(name, id), name)
	}
	assert.True(t, participant.AcceptableName("Thandi", id))
	assert.False(t, participant.AcceptableName("alice", "alice@example.com"))
	assert.False(t, participant.AcceptableName("@alice", "alice"))
	assert.True(t, participant.AcceptableName("Alice Smith", "alice@example.com"))
}

func TestResolveCreatesOnceAndWidensName(t *testing.T) {
	r, ctx := newResolver(t, self)

	p, err := r.Resolve(ctx, "27782270354@c.us", "27782270354")
	require.NoError(t, err)
	assert.Empty(t, p.Name, "placeholder names are never stored")

	again, err := r.Resolve(ctx, "27782270354:12@s.whatsapp.net", "Thandi")
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, "Thandi", again.Name)

	shorter, err := r.Resolve(ctx, "27782270354@s.whatsapp.net", "T")
	require.NoError(t, err)
	assert.Equal(t, "Thandi", shorter.Name)

	longer, err := r.Resolve(ctx, "27782270354@s.whatsapp.net", "Thandi Nkosi")
	require.NoError(t, err)
	assert.Equal(t, "Thandi Nkosi", longer.Name)

	assert.Len(t, r.Touched(), 1)
}

func TestResolveIsRaceSafe(t *testing.T) {
	r, ctx := newResolver(t, self)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Resolve(ctx, "27782270354@s.whatsapp.net", "")
			if assert.NoError(t, err) {
				ids[i] = p.ID.String()
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestAccountOwnerAndDirection(t *testing.T) {
	r, ctx := newResolver(t, self)

	owner, err := r.Resolve(ctx, "15550001111@s.whatsapp.net", "Me")
	require.NoError(t, err)
	assert.True(t, owner.IsAccountOwner)

	other, err := r.Resolve(ctx, "27782270354@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.False(t, other.IsAccountOwner)

	yes, no := true, false
	assert.Equal(t, model.DirectionOutbound, r.Direction("15550001111@s.whatsapp.net", nil))
	assert.Equal(t, model.DirectionInbound, r.Direction("27782270354@s.whatsapp.net", nil))
	// Hints are advisory only.
	assert.Equal(t, model.DirectionInbound, r.Direction("27782270354@s.whatsapp.net", &yes))
	assert.Equal(t, model.DirectionOutbound, r.Direction("15550001111@s.whatsapp.net", &no))
	assert.Len(t, r.Warnings(), 2)
}

func TestChangedSelfMovesAccountOwner(t *testing.T) {
	store := testdb.New(t)
	ctx := context.Background()
	const next = "15550002222@s.whatsapp.net"

	before := participant.NewResolver(store, address.NewBuilder(""), "acme", model.ChannelChat, self)
	old, err := before.Resolve(ctx, self, "Me")
	require.NoError(t, err)
	require.True(t, old.IsAccountOwner)

	after := participant.NewResolver(store, address.NewBuilder(""), "acme", model.ChannelChat, next)
	current, err := after.Resolve(ctx, next, "Me")
	require.NoError(t, err)
	assert.True(t, current.IsAccountOwner)

	reloaded, err := store.GetParticipant(ctx, "acme", old.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsAccountOwner, "the previous identity is no longer the owner")

	reloaded, err = store.GetParticipant(ctx, "acme", current.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsAccountOwner)

	elsewhere := participant.NewResolver(store, address.NewBuilder(""), "acme", model.ChannelEmail, "me@acme.test")
	_, err = elsewhere.Resolve(ctx, "me@acme.test", "Me")
	require.NoError(t, err)
	reloaded, err = store.GetParticipant(ctx, "acme", current.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsAccountOwner, "owners on other channels are independent")
}

func TestUnknownSelfRecordsInboundWithWarning(t *testing.T) {
	r, ctx := newResolver(t, "")
	p, err := r.Resolve(ctx, "15550001111@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.False(t, p.IsAccountOwner)
	assert.Equal(t, model.DirectionInbound, r.Direction("15550001111@s.whatsapp.net", nil))
	assert.Equal(t, model.DirectionInbound, r.Direction("27782270354@s.whatsapp.net", nil))
	assert.Len(t, r.Warnings(), 1)
}
