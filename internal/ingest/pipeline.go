// Package ingest is the write path shared by polling and webhooks: raw
// upsert, participant resolution, direction enrichment and linking.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/linker"
	"github.com/chirino/commsync/internal/model"
	"github.com/chirino/commsync/internal/participant"
	"github.com/chirino/commsync/internal/registry/provider"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
)

// Pipeline writes provider items into the store.
type Pipeline struct {
	store   registrystore.SyncStore
	builder *address.Builder
	linker  *linker.Linker
}

// New creates a pipeline.
func New(store registrystore.SyncStore, builder *address.Builder, l *linker.Linker) *Pipeline {
	return &Pipeline{store: store, builder: builder, linker: l}
}

// Run is the state of one sync job or webhook batch. It is safe for
// concurrent use by the conversations of that run.
type Run struct {
	TenantID   string
	Channel    model.Channel
	Connection *model.ChannelConnection
	Source     string
	Resolver   *participant.Resolver

	mu       sync.Mutex
	stats    model.SyncStats
	warnings []string
}

// NewRun starts a run for conn. self is the canonical account identity or "".
func (p *Pipeline) NewRun(conn *model.ChannelConnection, self, source string) *Run {
	return &Run{
		TenantID:   conn.TenantID,
		Channel:    conn.Channel,
		Connection: conn,
		Source:     source,
		Resolver:   participant.NewResolver(p.store, p.builder, conn.TenantID, conn.Channel, self),
	}
}

// Warn records a run warning.
func (r *Run) Warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// AddStats accumulates s into the run totals.
func (r *Run) AddStats(s model.SyncStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Add(s)
}

// Stats returns the run totals.
func (r *Run) Stats() model.SyncStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Warnings returns run and resolver warnings.
func (r *Run) Warnings() []string {
	r.mu.Lock()
	out := append([]string(nil), r.warnings...)
	r.mu.Unlock()
	return append(out, r.Resolver.Warnings()...)
}

// Conversation upserts a provider thread and attaches its listed participants.
func (p *Pipeline) Conversation(ctx context.Context, run *Run, item provider.ConversationItem) (*model.Conversation, error) {
	if item.ExternalThreadID == "" {
		return nil, &registrystore.ValidationError{Field: "threadId", Message: "required"}
	}
	var connID *uuid.UUID
	if run.Connection != nil && run.Connection.ID != uuid.Nil {
		id := run.Connection.ID
		connID = &id
	}
	conv, err := p.store.UpsertConversation(ctx, run.TenantID, run.Channel, item.ExternalThreadID, registrystore.ConversationAttrs{
		ConnectionID: connID,
		Subject:      item.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert conversation %s: %w", item.ExternalThreadID, err)
	}
	for _, pi := range item.Participants {
		if pi.ProviderID == "" {
			continue
		}
		member, err := run.Resolver.Resolve(ctx, pi.ProviderID, pi.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve participant: %w", err)
		}
		if err := p.store.AddConversationParticipant(ctx, conv.ID, member.ID); err != nil {
			return nil, err
		}
	}
	run.AddStats(model.SyncStats{Conversations: 1})
	return conv, nil
}

// Messages writes a batch of messages of one conversation, oldest first.
// Each message is upserted raw, then its sender is resolved and the
// direction recorded.
func (p *Pipeline) Messages(ctx context.Context, run *Run, conv *model.Conversation, items []provider.MessageItem) error {
	ordered := make([]provider.MessageItem, 0, len(items))
	for _, item := range items {
		if item.SentAt.IsZero() {
			run.Warn("message %q in thread %s has no timestamp; skipped", item.ExternalMessageID, conv.ExternalThreadID)
			continue
		}
		ordered = append(ordered, item)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SentAt.Before(ordered[j].SentAt) })

	var stats model.SyncStats
	for _, item := range ordered {
		sender := ""
		if item.SenderProviderID != "" {
			sender = p.builder.Canonical(run.Channel, item.SenderProviderID)
		}
		msg, outcome, err := p.store.UpsertMessage(ctx, conv, registrystore.MessageInput{
			ExternalMessageID: item.ExternalMessageID,
			SenderProviderID:  sender,
			SenderName:        item.SenderName,
			ProviderIsSender:  item.IsSender,
			Content:           item.Content,
			Status:            model.ParseMessageStatus(item.Status),
			Source:            run.Source,
			SentAt:            item.SentAt,
		})
		if err != nil {
			return fmt.Errorf("upsert message %q: %w", item.ExternalMessageID, err)
		}
		security.ObserveMessageUpsert(run.Source, string(outcome))
		switch outcome {
		case registrystore.OutcomeInserted:
			stats.Inserted++
		case registrystore.OutcomeMerged, registrystore.OutcomeClaimed:
			stats.Merged++
		default:
			stats.Unchanged++
		}

		if sender == "" {
			sender = msg.SenderProviderID
		}
		if sender == "" {
			continue
		}
		from, err := run.Resolver.Resolve(ctx, sender, item.SenderName)
		if err != nil {
			return fmt.Errorf("resolve sender: %w", err)
		}
		direction := run.Resolver.Direction(sender, item.IsSender)
		if msg.SenderParticipantID == nil || *msg.SenderParticipantID != from.ID || msg.Direction != direction {
			if err := p.store.SetMessageSender(ctx, msg.ID, from.ID, direction); err != nil {
				return fmt.Errorf("set message sender: %w", err)
			}
		}
		if err := p.store.AddConversationParticipant(ctx, conv.ID, from.ID); err != nil {
			return err
		}
	}
	if stats.Inserted+stats.Merged > 0 {
		if err := p.store.RefreshConversationStats(ctx, conv.ID); err != nil {
			return fmt.Errorf("refresh conversation stats: %w", err)
		}
	}
	run.AddStats(stats)
	return nil
}

// Finish links every participant the run touched. A failure on one
// participant is recorded as a warning and does not stop the others.
func (p *Pipeline) Finish(ctx context.Context, run *Run) (linker.Result, error) {
	var total linker.Result
	for _, part := range run.Resolver.Touched() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := p.linker.Link(ctx, run.TenantID, part)
		if err != nil {
			log.Warn("Linking participant failed", "tenant", run.TenantID, "participant", part.ID, "err", err)
			run.Warn("linking participant %s failed", part.ID)
			continue
		}
		total.Add(res)
	}
	run.AddStats(model.SyncStats{Links: total.Changed()})
	return total, nil
}
