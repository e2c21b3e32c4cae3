// Package http registers a record source that talks to a CRM over REST.
//
// Endpoints, relative to --records-url:
//
//	GET  /tenants/{tenant}/records/{type}/{id}
//	GET  /tenants/{tenant}/records?kind={kind}&value={normalized}
//	GET  /tenants/{tenant}/companies?domain={domain}
//	POST /tenants/{tenant}/sync-reports
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	records.Register(records.Plugin{
		Name: "http",
		Loader: func(ctx context.Context) (records.Source, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RecordsURL == "" {
				return nil, fmt.Errorf("http record source: --records-url is required")
			}
			return New(Options{
				BaseURL:  cfg.RecordsURL,
				Token:    cfg.RecordsToken,
				MaxDelay: cfg.BackoffMax,
			}), nil
		},
	})
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *nethttp.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client is a records.Source backed by a CRM REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *nethttp.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New creates a Client with defaults applied.
func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
	if c.httpClient == nil {
		c.httpClient = &nethttp.Client{Timeout: 20 * time.Second}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 5 * time.Second
	}
	return c
}

// StatusError is an unsuccessful response from the CRM.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record source returned status %d: %s", e.Status, e.Message)
}

type refList struct {
	Records []model.RecordRef `json:"records"`
}

type domainMatch struct {
	model.RecordRef
	Domain string `json:"domain"`
}

type domainList struct {
	Matches []domainMatch `json:"matches"`
}

func (c *Client) GetRecord(ctx context.Context, tenantID string, ref model.RecordRef) (*records.Record, error) {
	var rec records.Record
	path := "/tenants/" + url.PathEscape(tenantID) + "/records/" + url.PathEscape(ref.Type) + "/" + url.PathEscape(ref.ID)
	err := c.do(ctx, nethttp.MethodGet, path, nil, &rec)
	var se *StatusError
	if errors.As(err, &se) && se.Status == nethttp.StatusNotFound {
		return nil, &registrystore.NotFoundError{Resource: "record", ID: ref.String()}
	}
	if err != nil {
		return nil, err
	}
	rec.TenantID = tenantID
	if rec.Type == "" {
		rec.Type = ref.Type
	}
	if rec.ID == "" {
		rec.ID = ref.ID
	}
	return &rec, nil
}

func (c *Client) FindByIdentifier(ctx context.Context, tenantID string, kind model.IdentifierKind, normalized string) ([]model.RecordRef, error) {
	q := url.Values{"kind": {string(kind)}, "value": {normalized}}
	var out refList
	if err := c.do(ctx, nethttp.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) FindCompaniesByDomain(ctx context.Context, tenantID string, domain string) ([]records.DomainMatch, error) {
	q := url.Values{"domain": {domain}}
	var out domainList
	if err := c.do(ctx, nethttp.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/companies?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	matches := make([]records.DomainMatch, 0, len(out.Matches))
	for _, m := range out.Matches {
		d := m.Domain
		if d == "" {
			d = domain
		}
		matches = append(matches, records.DomainMatch{Record: m.RecordRef, Domain: d})
	}
	return matches, nil
}

func (c *Client) ReportSyncStatus(ctx context.Context, tenantID string, report records.SyncReport) error {
	return c.do(ctx, nethttp.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/sync-reports", report, nil)
}

// do sends one request, retrying 429 and 5xx responses and network errors
// with exponential backoff. A Retry-After header overrides the next delay.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = 0
	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(c.maxRetries)), max: c.maxDelay}
	policy := backoff.WithContext(hinted, ctx)

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
			}
			return nil
		case resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode >= 500:
			hinted.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
			return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		default:
			return backoff.Permanent(&StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))})
		}
	}
	notify := func(err error, next time.Duration) {
		log.Debug("Record source request retry", "method", method, "path", path, "in", next, "err", err)
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// retryAfterBackOff returns a server supplied delay once, in place of the
// wrapped policy's own delay.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.hint <= 0 {
		return next
	}
	hint := b.hint
	b.hint = 0
	if hint > b.max {
		hint = b.max
	}
	return hint
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := nethttp.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

var _ records.Source = (*Client)(nil)
