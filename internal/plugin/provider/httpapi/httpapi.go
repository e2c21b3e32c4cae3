// Package httpapi registers a generic JSON-over-HTTP provider. Each channel
// connection supplies its own base URL and bearer token.
//
// Endpoints, relative to the connection base URL:
//
//	GET /conversations?address={address}&cursor={cursor}
//	GET /conversations/{threadId}/messages?cursor={cursor}
//	GET /me
//
// Pages are {"items": [...], "nextCursor": "..."}; /me is {"id": "..."}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/provider"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	provider.Register(provider.Plugin{
		Name: "httpapi",
		Loader: func(ctx context.Context, conn *model.ChannelConnection) (provider.Client, error) {
			if strings.TrimSpace(conn.BaseURL) == "" {
				return nil, fmt.Errorf("httpapi provider: connection %s has no base URL", conn.ID)
			}
			return New(conn.BaseURL, conn.Token, nil), nil
		},
	})
}

// Client is a provider.Client over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client. A nil httpClient uses a client with a 30s timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *Client) ListConversations(ctx context.Context, address, cursor string) (*provider.ConversationPage, error) {
	q := url.Values{"address": {address}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page provider.ConversationPage
	if err := c.get(ctx, "/conversations?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID, cursor string) (*provider.MessagePage, error) {
	path := "/conversations/" + url.PathEscape(threadID) + "/messages"
	if cursor != "" {
		path += "?" + url.Values{"cursor": {cursor}}.Encode()
	}
	var page provider.MessagePage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	for i := range page.Items {
		if page.Items[i].ThreadID == "" {
			page.Items[i].ThreadID = threadID
		}
	}
	return &page, nil
}

// GetAccountSelfIdentity returns "" when the provider has no /me endpoint.
func (c *Client) GetAccountSelfIdentity(ctx context.Context) (string, error) {
	var me struct {
		ID string `json:"id"`
	}
	err := c.get(ctx, "/me", &me)
	var se *StatusError
	if errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusNotImplemented) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return me.ID, nil
}

// StatusError is a non-retryable unsuccessful response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Message)
}

// get performs one request and classifies failures into the provider error
// types. Retrying is left to the caller.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &provider.TransientError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &provider.TransientError{Err: err}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Message: msg}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &provider.AuthError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &provider.TransientError{Err: &StatusError{Status: resp.StatusCode, Message: msg}}
	default:
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var _ provider.Client = (*Client)(nil)
