package service_test

import (
	"testing"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/participant"
	"github.com/chirino/commsync/internal/plugin/throttle/local"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheapTriggerLinksWithoutProviderCalls(t *testing.T) {
	f := newFixture(t)
	chat := participant.NewResolver(f.store, f.builder, "acme", model.ChannelChat, selfID)
	_, err := chat.Resolve(f.ctx, contactAddr, "Thandi")
	require.NoError(t, err)
	mail := participant.NewResolver(f.store, f.builder, "acme", model.ChannelEmail, "")
	sipho, err := mail.Resolve(f.ctx, "sipho@sales.example.co.za", "Sipho")
	require.NoError(t, err)

	res, err := f.syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Reason: "record.updated", Cheap: true})
	require.NoError(t, err)
	require.NotNil(t, res.Reconciled)
	assert.Empty(t, res.Jobs)
	assert.Equal(t, 1, res.Reconciled.Created)

	res, err = f.syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: model.RecordRef{Type: "company", ID: "co1"}, Cheap: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconciled.Created)
	links, err := f.store.ListParticipantLinks(f.ctx, "acme", sipho.ID, false)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.LinkMethodDomainMatch, links[0].Method)
	assert.False(t, links[0].IsPrimary)

	assert.Zero(t, f.fake.Calls(""))
}

func TestTriggerCreatesJobPerConnectedChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.UpsertConnection(f.ctx, &model.ChannelConnection{TenantID: "acme", Channel: model.ChannelEmail, Provider: f.conn.Provider})
	require.NoError(t, err)
	d := &recordingDispatcher{}
	syncs := service.NewSyncs(f.store, f.source, f.linker, nil, 0, d)

	res, err := syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Reason: "manual"})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)
	assert.Len(t, d.ids, 2)
	for _, j := range res.Jobs {
		assert.Equal(t, model.SyncStatusPending, j.Status)
		assert.Equal(t, "manual", j.TriggerReason)
	}

	again, err := syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Channels: []model.Channel{"CHAT"}})
	require.NoError(t, err)
	require.Len(t, again.Jobs, 1)
	assert.Contains(t, []uuid.UUID{res.Jobs[0].ID, res.Jobs[1].ID}, again.Jobs[0].ID, "an active job is returned instead of a new one")
}

func TestTriggerIsThrottledPerRecord(t *testing.T) {
	f := newFixture(t)
	th, err := local.New()
	require.NoError(t, err)
	defer th.Close()
	syncs := service.NewSyncs(f.store, f.source, f.linker, th, time.Minute, nil)

	_, err = syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi})
	require.NoError(t, err)

	_, err = syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi})
	var throttled *service.ThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.Greater(t, throttled.RetryAfter, time.Duration(0))

	_, err = syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: model.RecordRef{Type: "contact", ID: "c2"}})
	assert.NoError(t, err, "other records are not affected")

	_, err = syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Cheap: true})
	assert.NoError(t, err, "cheap triggers bypass the throttle")
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t)
	var invalid *registrystore.ValidationError

	_, err := f.syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: model.RecordRef{Type: "contact"}})
	require.ErrorAs(t, err, &invalid)

	_, err = f.syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: thandi, Channels: []model.Channel{"fax"}})
	require.ErrorAs(t, err, &invalid)

	_, err = f.syncs.Trigger(f.ctx, "other", service.TriggerRequest{Record: thandi})
	require.ErrorAs(t, err, &invalid, "a tenant without connections has nothing to sync")

	var nf *registrystore.NotFoundError
	_, err = f.syncs.Trigger(f.ctx, "acme", service.TriggerRequest{Record: model.RecordRef{Type: "contact", ID: "gone"}, Cheap: true})
	require.ErrorAs(t, err, &nf)
}

func TestNewJobSeedsCursorFromPreviousJob(t *testing.T) {
	f := newFixture(t)
	seedThread(f)
	first := f.runJob(t, thandi)
	require.Equal(t, "2", first.CursorState["msg:t1"])

	next, err := f.syncs.CreateJob(f.ctx, "acme", thandi, model.ChannelChat, "manual")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, "2", next.CursorState["msg:t1"])
}
