package linker_test

import (
	"context"
	"testing"

	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/outbox"
	"github.com/chirino/commsync/internal/participant"
	"github.com/chirino/commsync/internal/plugin/records/file"
	"github.com/chirino/commsync/internal/plugin/store/gormstore"
	"github.com/chirino/commsync/internal/registry/records"
	"github.com/chirino/commsync/internal/testutil/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fieldDefs = map[string][]records.FieldDef{
	"contact": {
		{Name: "email", Type: records.FieldEmail, Identifier: true},
		{Name: "mobile", Type: records.FieldPhone, Identifier: true},
	},
	"company": {
		{Name: "website", Type: records.FieldURL},
		{Name: "domain", Type: records.FieldDomain},
	},
}

func document(entries ...file.RecordEntry) file.Document {
	return file.Document{FieldDefs: fieldDefs, Records: entries}
}

func contact(id string, fields map[string]any) file.RecordEntry {
	return file.RecordEntry{Tenant: "acme", Type: "contact", ID: id, Fields: fields}
}

func company(id string, fields map[string]any) file.RecordEntry {
	return file.RecordEntry{Tenant: "acme", Type: "company", ID: id, Fields: fields}
}

var baseDoc = document(
	contact("c1", map[string]any{"email": "Thandi@example.co.za"}),
	contact("c2", map[string]any{"email": []any{"thandi@example.co.za"}}),
	company("co1", map[string]any{"website": "https://www.example.co.za"}),
	company("free", map[string]any{"domain": "gmail.com"}),
)

type fixture struct {
	ctx    context.Context
	store  *gormstore.Store
	source *file.Source
	linker *linker.Linker
}

func newFixture(t *testing.T, doc file.Document) *fixture {
	t.Helper()
	store := testdb.New(t)
	src := file.New(doc, "ZA")
	return &fixture{
		ctx:    context.Background(),
		store:  store,
		source: src,
		linker: linker.New(store, src, identifier.NewExtractor("ZA"), outbox.New(store, nil)),
	}
}

func (f *fixture) participant(t *testing.T, self, providerID, name string) *model.Participant {
	t.Helper()
	r := participant.NewResolver(f.store, address.NewBuilder(""), "acme", model.ChannelEmail, self)
	p, err := r.Resolve(f.ctx, providerID, name)
	require.NoError(t, err)
	return p
}

func linksByRecord(t *testing.T, f *fixture, p *model.Participant, includeDeleted bool) map[string]model.RecordLink {
	t.Helper()
	links, err := f.store.ListParticipantLinks(f.ctx, "acme", p.ID, includeDeleted)
	require.NoError(t, err)
	out := map[string]model.RecordLink{}
	for _, l := range links {
		out[l.RecordID+"/"+string(l.Method)] = l
	}
	return out
}

func TestLinkExactAndDomain(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")

	res, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)

	links := linksByRecord(t, f, p, false)
	require.Len(t, links, 3)

	primary := links["c1/exact_identifier"]
	assert.True(t, primary.IsPrimary, "first exact match by record ref is primary")
	assert.Equal(t, 1.0, primary.Confidence)
	assert.Equal(t, "thandi@example.co.za", primary.MatchedValue)

	secondary := links["c2/exact_identifier"]
	assert.False(t, secondary.IsPrimary)

	domain := links["co1/domain_match"]
	assert.False(t, domain.IsPrimary)
	assert.InDelta(t, 0.6, domain.Confidence, 1e-9)
	assert.Equal(t, "example.co.za", domain.MatchedValue)

	stored, err := f.store.GetParticipant(f.ctx, "acme", p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ContactRecordID)
	assert.Equal(t, "c1", *stored.ContactRecordID)

	again, err := f.linker.Link(f.ctx, "acme", stored)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Unchanged)
	assert.Zero(t, again.Changed())

	events, err := f.store.ListEvents(f.ctx, "acme", 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 3, "unchanged links emit nothing")
	for _, ev := range events {
		assert.Equal(t, model.EventLinkCreated, ev.Kind)
	}
}

func TestExistingPrimaryKeepsPrecedence(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")

	_, _, err := f.linker.Manual(f.ctx, "acme", p.ID, model.RecordRef{Type: "contact", ID: "c0"}, true)
	require.NoError(t, err)

	_, err = f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)

	links := linksByRecord(t, f, p, false)
	assert.True(t, links["c0/manual"].IsPrimary)
	assert.False(t, links["c1/exact_identifier"].IsPrimary)
	assert.False(t, links["c2/exact_identifier"].IsPrimary)
}

func TestFreeMailGetsNoDomainLinks(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "someone@gmail.com", "Someone")

	res, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)
	assert.Zero(t, res.Changed())
	assert.Empty(t, linksByRecord(t, f, p, true))
}

func TestAccountOwnerIsNeverLinked(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "thandi@example.co.za", "thandi@example.co.za", "Me")
	require.True(t, p.IsAccountOwner)

	res, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)
	assert.Zero(t, res.Changed())
	assert.Empty(t, linksByRecord(t, f, p, true))
}

func TestDeleteThenReconcileResurrects(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")
	_, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)

	domain := linksByRecord(t, f, p, false)["co1/domain_match"]
	deleted, err := f.linker.Delete(f.ctx, "acme", domain.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.linker.Delete(f.ctx, "acme", domain.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")

	rec, err := f.source.GetRecord(f.ctx, "acme", model.RecordRef{Type: "company", ID: "co1"})
	require.NoError(t, err)
	res, err := f.linker.ReconcileRecord(f.ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resurrected)

	all, err := f.store.ListRecordLinks(f.ctx, "acme", model.RecordRef{Type: "company", ID: "co1"}, true)
	require.NoError(t, err)
	require.Len(t, all, 1, "resurrection never duplicates")
	assert.False(t, all[0].IsDeleted)
	assert.Nil(t, all[0].DeletedAt)
	assert.Equal(t, domain.ID, all[0].ID)
}

func TestDeletingPrimaryLinkReleasesContact(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")
	_, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)

	contactOf := func() *string {
		got, err := f.store.GetParticipant(f.ctx, "acme", p.ID)
		require.NoError(t, err)
		return got.ContactRecordID
	}
	require.NotNil(t, contactOf())
	assert.Equal(t, "c1", *contactOf())

	links := linksByRecord(t, f, p, false)
	_, err = f.linker.Delete(f.ctx, "acme", links["c2/exact_identifier"].ID)
	require.NoError(t, err)
	require.NotNil(t, contactOf(), "a secondary link leaves the contact alone")

	_, err = f.linker.Delete(f.ctx, "acme", links["c1/exact_identifier"].ID)
	require.NoError(t, err)
	assert.Nil(t, contactOf())

	rec, err := f.source.GetRecord(f.ctx, "acme", model.RecordRef{Type: "contact", ID: "c1"})
	require.NoError(t, err)
	res, err := f.linker.ReconcileRecord(f.ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resurrected)
	require.NotNil(t, contactOf())
	assert.Equal(t, "c1", *contactOf())
}

func TestReconcileCompanyDropsStaleDomainLinks(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")
	_, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)

	moved := file.New(document(company("co1", map[string]any{"domain": "elsewhere.com"})), "ZA")
	l := linker.New(f.store, moved, identifier.NewExtractor("ZA"), outbox.New(f.store, nil))
	rec, err := moved.GetRecord(f.ctx, "acme", model.RecordRef{Type: "company", ID: "co1"})
	require.NoError(t, err)

	res, err := l.ReconcileRecord(f.ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, live := linksByRecord(t, f, p, false)["co1/domain_match"]
	assert.False(t, live)
}

func TestReconcileContactLinksLocalParticipants(t *testing.T) {
	f := newFixture(t, document(contact("c7", map[string]any{"email": "lerato@example.org"})))
	p := f.participant(t, "me@acme.test", "Lerato@Example.org", "Lerato")

	rec, err := f.source.GetRecord(f.ctx, "acme", model.RecordRef{Type: "contact", ID: "c7"})
	require.NoError(t, err)
	res, err := f.linker.ReconcileRecord(f.ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	link := linksByRecord(t, f, p, false)["c7/exact_identifier"]
	assert.True(t, link.IsPrimary)

	rec.Fields = map[string]any{"email": "lerato@other.org"}
	res, err = f.linker.ReconcileRecord(f.ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted, "a link whose matched value left the record is removed")
}

func TestManualPrimaryDemotesOthers(t *testing.T) {
	f := newFixture(t, baseDoc)
	p := f.participant(t, "me@acme.test", "thandi@example.co.za", "Thandi")
	_, err := f.linker.Link(f.ctx, "acme", p)
	require.NoError(t, err)

	link, action, err := f.linker.Manual(f.ctx, "acme", p.ID, model.RecordRef{Type: "contact", ID: "c9"}, true)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionCreated, action)
	assert.Equal(t, model.LinkMethodManual, link.Method)

	links := linksByRecord(t, f, p, false)
	assert.True(t, links["c9/manual"].IsPrimary)
	assert.False(t, links["c1/exact_identifier"].IsPrimary)

	stored, err := f.store.GetParticipant(f.ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "c9", *stored.ContactRecordID)

	_, action, err = f.linker.Manual(f.ctx, "acme", p.ID, model.RecordRef{Type: "contact", ID: "c9"}, true)
	require.NoError(t, err)
	assert.Equal(t, model.LinkActionUnchanged, action)
}

func TestDomainConfidence(t *testing.T) {
	cases := []struct {
		email, record string
		want          float64
		ok            bool
	}{
		{"example.com", "example.com", 0.6, true},
		{"sales.example.com", "sales.example.com", 0.7, true},
		{"a.b.c.d.example.com", "a.b.c.d.example.com", 0.9, true},
		{"sales.example.com", "example.com", 0.5, true},
		{"example.com", "sales.example.com", 0, false},
		{"example.org", "example.com", 0, false},
		{"gmail.com", "gmail.com", 0, false},
		{"example.co.za", "example.co.za", 0.6, true},
	}
	for _, tc := range cases {
		got, ok := linker.DomainConfidence(tc.email, tc.record)
		assert.Equal(t, tc.ok, ok, "%s vs %s", tc.email, tc.record)
		assert.InDelta(t, tc.want, got, 1e-9, "%s vs %s", tc.email, tc.record)
	}
}

func TestIsFreeMail(t *testing.T) {
	assert.True(t, linker.IsFreeMail("gmail.com"))
	assert.True(t, linker.IsFreeMail("mail.yahoo.com"))
	assert.False(t, linker.IsFreeMail("example.com"))
}
