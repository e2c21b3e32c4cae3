package webhook_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const whatsappPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PN1"},
        "contacts": [{"profile": {"name": "Thandi"}, "wa_id": "27782270354"}],
        "messages": [{"from": "27782270354", "id": "wamid.in1", "timestamp": "1700000000", "type": "text", "text": {"body": "hello"}}],
        "statuses": [{"id": "wamid.out1", "status": "read", "timestamp": "1700000100", "recipient_id": "27782270354"}]
      }
    }]
  }]
}`

func newMapper(t *testing.T, file string) *webhook.Mapper {
	t.Helper()
	m, err := webhook.NewMapper(file)
	require.NoError(t, err)
	return m
}

func TestWhatsAppCloudMapping(t *testing.T) {
	m := newMapper(t, "")
	env, err := m.Map(context.Background(), "whatsapp_cloud", []byte(whatsappPayload))
	require.NoError(t, err)

	require.Len(t, env.Conversations, 1)
	assert.Equal(t, "27782270354", env.Conversations[0].ExternalThreadID)
	assert.Equal(t, "Thandi", env.Conversations[0].Participants[0].Name)

	require.Len(t, env.Messages, 2)
	in := env.Messages[0]
	assert.Equal(t, "wamid.in1", in.ExternalMessageID)
	assert.Equal(t, "27782270354", in.SenderProviderID)
	assert.Equal(t, "Thandi", in.SenderName)
	assert.Equal(t, "hello", in.Content)
	assert.True(t, in.SentAt.Equal(time.Unix(1700000000, 0)))
	require.NotNil(t, in.IsSender)
	assert.False(t, *in.IsSender)

	status := env.Messages[1]
	assert.Equal(t, "wamid.out1", status.ExternalMessageID)
	assert.Equal(t, "read", status.Status)
	assert.Equal(t, "15550001111", status.SenderProviderID)
	assert.Equal(t, "27782270354", status.ThreadID)
}

func TestGenericMappingPassesEnvelopeThrough(t *testing.T) {
	m := newMapper(t, "")
	env, err := m.Map(context.Background(), "", []byte(`{
		"messages": [
			{"id": "m2", "threadId": "t1", "senderId": "a@example.com", "content": "later", "sentAt": "2026-03-01T09:05:00Z"},
			{"id": "m1", "threadId": "t1", "senderId": "a@example.com", "content": "first", "sentAt": "2026-03-01T09:00:00Z"},
			{"id": "x1", "threadId": "t2", "sentAt": "2026-03-01T08:00:00Z"}
		]
	}`))
	require.NoError(t, err)
	assert.Empty(t, env.Conversations)

	convs, byThread := env.Threads()
	require.Len(t, convs, 2)
	assert.Equal(t, "t1", convs[0].ExternalThreadID)
	require.Len(t, byThread["t1"], 2)
	assert.Equal(t, "m1", byThread["t1"][0].ExternalMessageID, "grouped messages are ordered by provider timestamp")
}

func TestMalformedPayloads(t *testing.T) {
	m := newMapper(t, "")
	ctx := context.Background()
	cases := map[string]struct {
		mapping string
		payload string
	}{
		"invalid json":     {"generic", `{"messages": [`},
		"schema violation": {"generic", `{"messages": [{"id": "m1", "sentAt": "2026-03-01T09:00:00Z"}]}`},
		"bad timestamp":    {"generic", `{"messages": [{"threadId": "t1", "sentAt": "yesterday"}]}`},
		"jq error":         {"whatsapp_cloud", `{"entry": [{"changes": [{"value": {"messages": [{"from": "1", "id": "x"}]}}]}]}`},
		"unknown mapping":  {"nope", `{}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Map(ctx, tc.mapping, []byte(tc.payload))
			var malformed *webhook.MalformedPayloadError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tc.mapping, malformed.Mapping)
		})
	}
}

func TestMappingsFileAddsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mappings:
  - name: acme_sms
    program: |
      {messages: [.events[] | {id: .sid, threadId: .from, senderId: .from, content: .body, sentAt: .at}]}
`), 0o600))
	m := newMapper(t, path)
	assert.True(t, m.Has("acme_sms"))
	assert.True(t, m.Has("whatsapp_cloud"))

	env, err := m.Map(context.Background(), "acme_sms", []byte(`{"events": [{"sid": "SM1", "from": "+27782270354", "body": "yo", "at": "2026-03-01T09:00:00Z"}]}`))
	require.NoError(t, err)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "SM1", env.Messages[0].ExternalMessageID)
}

func TestBadMappingFailsAtLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mappings:\n  - name: broken\n    program: \"{messages: [\"\n"), 0o600))
	_, err := webhook.NewMapper(path)
	require.Error(t, err)
}
