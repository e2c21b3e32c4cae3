package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/records/file"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordsYAML = `
fieldDefs:
  contact:
    - {name: mobile, type: phone, identifier: true}
    - {name: email, type: email, identifier: true}
    - {name: notes, type: text}
  company:
    - {name: website, type: url}
    - {name: domain, type: domain}
records:
  - tenant: acme
    type: contact
    id: c1
    fields:
      mobile: "+27 78 227 0354"
      email: ["Thandi@Example.co.za", {value: "t.nkosi@example.co.za"}]
      notes: "call 555 0100"
  - tenant: acme
    type: company
    id: co1
    fields:
      website: "https://www.example.co.za/about"
  - tenant: other
    type: contact
    id: c9
    fields:
      mobile: "+27 78 227 0354"
`

func writeRecords(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "records.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFindByIdentifier(t *testing.T) {
	src, err := file.Load(writeRecords(t, t.TempDir(), recordsYAML), "ZA")
	require.NoError(t, err)
	ctx := context.Background()

	refs, err := src.FindByIdentifier(ctx, "acme", model.IdentifierPhone, "27782270354")
	require.NoError(t, err)
	assert.Equal(t, []model.RecordRef{{Type: "contact", ID: "c1"}}, refs)

	refs, err = src.FindByIdentifier(ctx, "acme", model.IdentifierEmail, "t.nkosi@example.co.za")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	refs, err = src.FindByIdentifier(ctx, "other", model.IdentifierEmail, "thandi@example.co.za")
	require.NoError(t, err)
	assert.Empty(t, refs, "lookups are tenant scoped")
}

func TestGetRecord(t *testing.T) {
	src, err := file.Load(writeRecords(t, t.TempDir(), recordsYAML), "ZA")
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := src.GetRecord(ctx, "acme", model.RecordRef{Type: "contact", ID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Len(t, rec.Defs, 3)

	_, err = src.GetRecord(ctx, "other", model.RecordRef{Type: "contact", ID: "c1"})
	var notFound *registrystore.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFindCompaniesByDomainWalksParents(t *testing.T) {
	src, err := file.Load(writeRecords(t, t.TempDir(), recordsYAML), "ZA")
	require.NoError(t, err)
	ctx := context.Background()

	matches, err := src.FindCompaniesByDomain(ctx, "acme", "sales.example.co.za")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.RecordRef{Type: "company", ID: "co1"}, matches[0].Record)
	assert.Equal(t, "example.co.za", matches[0].Domain)

	matches, err = src.FindCompaniesByDomain(ctx, "acme", "example.com")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestReportSyncStatusIsKept(t *testing.T) {
	src := file.New(file.Document{}, "US")
	report := records.SyncReport{
		Record:  model.RecordRef{Type: "contact", ID: "c1"},
		Channel: model.ChannelChat,
		Status:  model.SyncStatusSucceeded,
	}
	require.NoError(t, src.ReportSyncStatus(context.Background(), "acme", report))
	assert.Equal(t, []records.SyncReport{report}, src.Reports())
}

func TestWatchReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeRecords(t, dir, recordsYAML)
	src, err := file.Load(path, "ZA")
	require.NoError(t, err)
	<-src.Reloaded()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))

	writeRecords(t, dir, `
fieldDefs:
  contact:
    - {name: email, type: email, identifier: true}
records:
  - {tenant: acme, type: contact, id: c2, fields: {email: new@example.org}}
`)

	select {
	case <-src.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("records file was not reloaded")
	}

	refs, err := src.FindByIdentifier(ctx, "acme", model.IdentifierEmail, "new@example.org")
	require.NoError(t, err)
	assert.Equal(t, []model.RecordRef{{Type: "contact", ID: "c2"}}, refs)

	refs, err = src.FindByIdentifier(ctx, "acme", model.IdentifierPhone, "27782270354")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
