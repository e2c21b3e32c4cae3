package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/plugin/provider/httpapi"
	"github.com/chirino/commsync/internal/registry/provider"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListConversationsAndMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/conversations":
			assert.Equal(t, "27782270354@s.whatsapp.net", r.URL.Query().Get("address"))
			if r.URL.Query().Get("cursor") == "" {
				_, _ = w.Write([]byte(`{"items": [{"threadId": "t1", "participants": [{"providerId": "27782270354@s.whatsapp.net"}]}], "nextCursor": "p2"}`))
				return
			}
			_, _ = w.Write([]byte(`{"items": []}`))
		case "/conversations/t1/messages":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{"id": "m1", "senderId": "27782270354@s.whatsapp.net", "content": "hi", "sentAt": "2026-03-01T09:00:00Z"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := httpapi.New(srv.URL+"/", "tok", nil)
	ctx := context.Background()

	page, err := c.ListConversations(ctx, "27782270354@s.whatsapp.net", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t1", page.Items[0].ExternalThreadID)
	assert.Equal(t, "p2", page.NextCursor)

	page, err = c.ListConversations(ctx, "27782270354@s.whatsapp.net", "p2")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextCursor)

	msgs, err := c.ListMessages(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, msgs.Items, 1)
	assert.Equal(t, "t1", msgs.Items[0].ThreadID)
	assert.True(t, msgs.Items[0].SentAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	self, err := c.GetAccountSelfIdentity(ctx)
	require.NoError(t, err)
	assert.Empty(t, self, "a provider without /me reports no identity")
}

func TestErrorClassification(t *testing.T) {
	var status atomic.Int32
	var header atomic.Value
	status.Store(http.StatusOK)
	header.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := header.Load().(string); h != "" {
			w.Header().Set("Retry-After", h)
		}
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"id": "15550001111"}`))
	}))
	defer srv.Close()
	c := httpapi.New(srv.URL, "", nil)
	ctx := context.Background()

	self, err := c.GetAccountSelfIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "15550001111", self)

	status.Store(http.StatusTooManyRequests)
	header.Store("7")
	_, err = c.ListMessages(ctx, "t1", "")
	var rl *provider.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)

	header.Store("")
	for _, code := range []int32{http.StatusUnauthorized, http.StatusForbidden} {
		status.Store(code)
		_, err = c.ListMessages(ctx, "t1", "")
		var auth *provider.AuthError
		assert.ErrorAs(t, err, &auth, "status %d", code)
	}

	status.Store(http.StatusBadGateway)
	_, err = c.ListMessages(ctx, "t1", "")
	var tr *provider.TransientError
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, "transient", provider.Classify(err))

	status.Store(http.StatusBadRequest)
	_, err = c.ListMessages(ctx, "t1", "")
	var se *httpapi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "error", provider.Classify(err))
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := httpapi.New(url, "", nil).ListConversations(context.Background(), "a@b", "")
	var tr *provider.TransientError
	require.ErrorAs(t, err, &tr)
}

func TestRegisteredLoaderRequiresBaseURL(t *testing.T) {
	loader, err := provider.Select("httpapi")
	require.NoError(t, err)
	_, err = loader(context.Background(), &model.ChannelConnection{ID: uuid.New()})
	require.Error(t, err)

	client, err := loader(context.Background(), &model.ChannelConnection{ID: uuid.New(), BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
