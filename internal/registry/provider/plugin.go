// Package provider defines the capability-typed messaging provider client
// and the registry of provider implementations.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/commsync/internal/model"
)

// ParticipantItem is a thread participant as reported by a provider.
type ParticipantItem struct {
	ProviderID string `json:"providerId"`
	Name       string `json:"name,omitempty"`
}

// ConversationItem is one provider thread.
type ConversationItem struct {
	ExternalThreadID string            `json:"threadId"`
	Subject          string            `json:"subject,omitempty"`
	Participants     []ParticipantItem `json:"participants,omitempty"`
}

// MessageItem is one provider message. IsSender is the provider's own hint
// that the connected account sent it; it is advisory only.
type MessageItem struct {
	ExternalMessageID string    `json:"id,omitempty"`
	ThreadID          string    `json:"threadId,omitempty"`
	SenderProviderID  string    `json:"senderId,omitempty"`
	SenderName        string    `json:"senderName,omitempty"`
	IsSender          *bool     `json:"isSender,omitempty"`
	Content           string    `json:"content,omitempty"`
	Status            string    `json:"status,omitempty"`
	SentAt            time.Time `json:"sentAt"`
}

// ConversationPage is one page of ListConversations. An empty NextCursor
// means the listing is complete.
type ConversationPage struct {
	Items      []ConversationItem `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// MessagePage is one page of ListMessages.
type MessagePage struct {
	Items      []MessageItem `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Client is the provider capability set the sync engine needs.
type Client interface {
	// ListConversations lists threads that involve address, resuming at cursor.
	ListConversations(ctx context.Context, address, cursor string) (*ConversationPage, error)
	// ListMessages lists a thread's messages oldest first, resuming at cursor.
	ListMessages(ctx context.Context, externalThreadID, cursor string) (*MessagePage, error)
	// GetAccountSelfIdentity returns the connected account's provider id, or
	// "" when the provider cannot report it.
	GetAccountSelfIdentity(ctx context.Context) (string, error)
}

// Loader creates a client bound to one channel connection.
type Loader func(ctx context.Context, conn *model.ChannelConnection) (Client, error)

// Plugin represents a provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named provider plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q; valid: %v", name, Names())
}
