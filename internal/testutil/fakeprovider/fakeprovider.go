// Package fakeprovider is a scripted in-memory provider for engine tests.
// Conversations and messages are served in fixed-size pages using offset
// cursors, and errors can be injected per operation.
package fakeprovider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/registry/provider"
	"github.com/google/uuid"
)

const (
	OpListConversations = "list_conversations"
	OpListMessages      = "list_messages"
	OpSelf              = "self"
)

type failure struct {
	op        string
	key       string
	err       error
	remaining int
}

// Provider implements provider.Client.
type Provider struct {
	// PageSize is the number of items per page. Defaults to 2.
	PageSize int
	// OnCall, when set, runs before every call with the operation, its key
	// (address or thread id) and the cursor.
	OnCall func(op, key, cursor string)
	// SyncTokens makes the last page return a cursor anyway. Requesting it
	// yields an empty page carrying the same cursor.
	SyncTokens bool

	mu            sync.Mutex
	self          string
	conversations map[string][]provider.ConversationItem
	messages      map[string][]provider.MessageItem
	failures      []*failure
	calls         map[string]int
	cursors       []string
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		PageSize:      2,
		conversations: map[string][]provider.ConversationItem{},
		messages:      map[string][]provider.MessageItem{},
		calls:         map[string]int{},
	}
}

// Install registers p under a fresh provider name and returns the name, to
// be used as ChannelConnection.Provider.
func Install(tb testing.TB, p *Provider) string {
	tb.Helper()
	name := "fake-" + uuid.NewString()
	provider.Register(provider.Plugin{
		Name: name,
		Loader: func(context.Context, *model.ChannelConnection) (provider.Client, error) {
			return p, nil
		},
	})
	return name
}

// SetSelf sets the identity GetAccountSelfIdentity reports.
func (p *Provider) SetSelf(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = id
}

// AddConversation lists conv under address, with its messages.
func (p *Provider) AddConversation(address string, conv provider.ConversationItem, msgs ...provider.MessageItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations[address] = append(p.conversations[address], conv)
	p.messages[conv.ExternalThreadID] = append(p.messages[conv.ExternalThreadID], msgs...)
}

// AddMessages appends messages to a thread.
func (p *Provider) AddMessages(threadID string, msgs ...provider.MessageItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[threadID] = append(p.messages[threadID], msgs...)
}

// Fail makes the next times calls of op on key return err. An empty key
// matches any key.
func (p *Provider) Fail(op, key string, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, &failure{op: op, key: key, err: err, remaining: times})
}

// Calls returns the number of calls made for op, or for all operations when
// op is empty.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op != "" {
		return p.calls[op]
	}
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Requests returns every "op key cursor" requested, in order.
func (p *Provider) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cursors...)
}

func (p *Provider) begin(op, key, cursor string) error {
	if p.OnCall != nil {
		p.OnCall(op, key, cursor)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	p.cursors = append(p.cursors, fmt.Sprintf("%s %s %s", op, key, cursor))
	for _, f := range p.failures {
		if f.remaining > 0 && f.op == op && (f.key == "" || f.key == key) {
			f.remaining--
			return f.err
		}
	}
	return nil
}

func (p *Provider) window(total int, cursor string) (int, int, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > total {
			return 0, 0, "", fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	size := p.PageSize
	if size <= 0 {
		size = 2
	}
	end := start + size
	if end >= total {
		if p.SyncTokens {
			return start, total, strconv.Itoa(total), nil
		}
		return start, total, "", nil
	}
	return start, end, strconv.Itoa(end), nil
}

func (p *Provider) ListConversations(ctx context.Context, address, cursor string) (*provider.ConversationPage, error) {
	if err := p.begin(OpListConversations, address, cursor); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.conversations[address]
	start, end, next, err := p.window(len(items), cursor)
	if err != nil {
		return nil, err
	}
	return &provider.ConversationPage{Items: append([]provider.ConversationItem(nil), items[start:end]...), NextCursor: next}, nil
}

func (p *Provider) ListMessages(ctx context.Context, threadID, cursor string) (*provider.MessagePage, error) {
	if err := p.begin(OpListMessages, threadID, cursor); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	items := append([]provider.MessageItem(nil), p.messages[threadID]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].SentAt.Before(items[j].SentAt) })
	start, end, next, err := p.window(len(items), cursor)
	if err != nil {
		return nil, err
	}
	page := make([]provider.MessageItem, 0, end-start)
	for _, m := range items[start:end] {
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		page = append(page, m)
	}
	return &provider.MessagePage{Items: page, NextCursor: next}, nil
}

func (p *Provider) GetAccountSelfIdentity(ctx context.Context) (string, error) {
	if err := p.begin(OpSelf, "", ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self, nil
}

var _ provider.Client = (*Provider)(nil)
