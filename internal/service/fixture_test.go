package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/ingest"
	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/plugin/records/file"
	"github.com/chirino/commsync/internal/plugin/store/gormstore"
	"github.com/chirino/commsync/internal/registry/provider"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/service"
	"github.com/chirino/commsync/internal/testutil/fakeprovider"
	"github.com/chirino/commsync/internal/testutil/testdb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	chatDomain  = "s.whatsapp.net"
	selfID      = "15550001111@s.whatsapp.net"
	contactAddr = "27782270354@s.whatsapp.net"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	thandi = model.RecordRef{Type: "contact", ID: "c1"}
)

var doc = file.Document{
	FieldDefs: map[string][]records.FieldDef{
		"contact": {
			{Name: "mobile", Type: records.FieldPhone, Identifier: true},
			{Name: "email", Type: records.FieldEmail, Identifier: true},
		},
		"company": {{Name: "domain", Type: records.FieldDomain}},
	},
	Records: []file.RecordEntry{
		{Tenant: "acme", Type: "contact", ID: "c1", Fields: map[string]any{"mobile": "+27 78 227 0354"}},
		{Tenant: "acme", Type: "contact", ID: "c2", Fields: map[string]any{"nickname": "T"}},
		{Tenant: "acme", Type: "company", ID: "co1", Fields: map[string]any{"domain": "example.co.za"}},
	},
}

type fixture struct {
	ctx      context.Context
	store    *gormstore.Store
	source   *file.Source
	builder  *address.Builder
	linker   *linker.Linker
	pipeline *ingest.Pipeline
	orch     *service.Orchestrator
	syncs    *service.Syncs
	fake     *fakeprovider.Provider
	conn     *model.ChannelConnection
}

func testOptions() service.Options {
	return service.Options{
		ConversationConcurrency: 2,
		JobBudget:               10 * time.Second,
		PageRetries:             2,
		ProviderRate:            1000,
		ProviderBurst:           100,
		BackoffInitial:          time.Millisecond,
		BackoffMax:              5 * time.Millisecond,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, testOptions())
}

func newFixtureWithOptions(t *testing.T, opts service.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := testdb.New(t)
	source := file.New(doc, "ZA")
	builder := address.NewBuilder(chatDomain)
	extractor := identifier.NewExtractor("ZA")
	ob := outbox.New(store, nil)
	l := linker.New(store, source, extractor, ob)
	pipe := ingest.New(store, builder, l)

	fake := fakeprovider.New()
	conn, err := store.UpsertConnection(ctx, &model.ChannelConnection{
		TenantID: "acme",
		Channel:  model.ChannelChat,
		Provider: fakeprovider.Install(t, fake),
	})
	require.NoError(t, err)

	return &fixture{
		ctx:      ctx,
		store:    store,
		source:   source,
		builder:  builder,
		linker:   l,
		pipeline: pipe,
		orch:     service.NewOrchestrator(store, source, extractor, builder, pipe, ob, opts),
		syncs:    service.NewSyncs(store, source, l, nil, 0, nil),
		fake:     fake,
		conn:     conn,
	}
}

func (f *fixture) runJob(t *testing.T, ref model.RecordRef) *model.SyncJob {
	t.Helper()
	return f.runJobWithContext(t, f.ctx, ref)
}

func (f *fixture) runJobWithContext(t *testing.T, ctx context.Context, ref model.RecordRef) *model.SyncJob {
	t.Helper()
	job, err := f.syncs.CreateJob(f.ctx, "acme", ref, model.ChannelChat, "test")
	require.NoError(t, err)
	done, err := f.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, done)
	return done
}

func (f *fixture) threadMessages(t *testing.T, threadID string) []model.Message {
	t.Helper()
	conv, err := f.store.UpsertConversation(f.ctx, "acme", model.ChannelChat, threadID, registrystore.ConversationAttrs{})
	require.NoError(t, err)
	msgs, _, err := f.store.ListMessages(f.ctx, "acme", conv.ID, nil, 100)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) connection(t *testing.T) *model.ChannelConnection {
	t.Helper()
	conn, err := f.store.GetConnectionByID(f.ctx, f.conn.ID)
	require.NoError(t, err)
	return conn
}

func msg(id, sender string, at time.Duration) provider.MessageItem {
	return provider.MessageItem{ExternalMessageID: id, SenderProviderID: sender, Content: "body " + id, SentAt: t0.Add(at)}
}

func conversation(thread string) provider.ConversationItem {
	return provider.ConversationItem{
		ExternalThreadID: thread,
		Participants:     []provider.ParticipantItem{{ProviderID: contactAddr, Name: "Thandi"}, {ProviderID: selfID}},
	}
}

type recordingDispatcher struct {
	ids []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(id uuid.UUID) { d.ids = append(d.ids, id) }
