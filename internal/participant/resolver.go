// Package participant resolves provider ids to participants and computes
// message direction relative to the connected account.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/address"
	"github.com/chirino/commsync/internal/model"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	"github.com/chirino/commsync/internal/security"
	"github.com/google/uuid"
)

// Resolver caches identities for one sync run or webhook batch. It is safe
// for concurrent use by the conversations of that run and must not be
// shared between runs.
type Resolver struct {
	store    registrystore.SyncStore
	builder  *address.Builder
	tenantID string
	channel  model.Channel
	self     string

	mu       sync.Mutex
	cache    map[string]*model.Participant
	touched  map[uuid.UUID]*model.Participant
	warnings []string
	warned   map[string]bool
}

// NewResolver creates a resolver for one channel. self is the canonical
// provider id of the connected account, or "" when it is unknown.
func NewResolver(store registrystore.SyncStore, builder *address.Builder, tenantID string, channel model.Channel, self string) *Resolver {
	return &Resolver{
		store:    store,
		builder:  builder,
		tenantID: tenantID,
		channel:  channel,
		self:     self,
		cache:    map[string]*model.Participant{},
		touched:  map[uuid.UUID]*model.Participant{},
		warned:   map[string]bool{},
	}
}

// Self returns the canonical account identity the resolver was built with.
func (r *Resolver) Self() string { return r.self }

// Resolve returns the participant owning providerID, creating it on first
// sight. name is applied when it is a real name longer than the current one.
func (r *Resolver) Resolve(ctx context.Context, providerID, name string) (*model.Participant, error) {
	canonical := r.builder.Canonical(r.channel, providerID)
	if canonical == "" {
		return nil, &registrystore.ValidationError{Field: "providerId", Message: "required"}
	}
	name = strings.TrimSpace(name)
	if !AcceptableName(name, canonical) {
		name = ""
	}

	r.mu.Lock()
	cached := r.cache[canonical]
	r.mu.Unlock()

	p := cached
	if p == nil {
		var err error
		p, err = r.lookup(ctx, canonical, name)
		if err != nil {
			return nil, err
		}
	}

	if name != "" && utf8.RuneCountInString(name) > utf8.RuneCountInString(p.Name) {
		widened, err := r.store.WidenParticipantName(ctx, p.ID, name)
		if err != nil {
			return nil, fmt.Errorf("widen participant name: %w", err)
		}
		if widened {
			updated := *p
			updated.Name = name
			p = &updated
		}
	}

	if r.self != "" && canonical == r.self && !p.IsAccountOwner {
		if err := r.store.MarkAccountOwner(ctx, r.tenantID, r.channel, p.ID); err != nil {
			return nil, fmt.Errorf("mark account owner: %w", err)
		}
		updated := *p
		updated.IsAccountOwner = true
		p = &updated
	}

	r.mu.Lock()
	r.cache[canonical] = p
	r.touched[p.ID] = p
	r.mu.Unlock()
	return p, nil
}

func (r *Resolver) lookup(ctx context.Context, canonical, name string) (*model.Participant, error) {
	p, err := r.store.FindParticipantByIdentity(ctx, r.tenantID, r.channel, canonical)
	if err == nil {
		return p, nil
	}
	var nf *registrystore.NotFoundError
	if !errors.As(err, &nf) {
		return nil, fmt.Errorf("find participant: %w", err)
	}

	identity := &model.ParticipantIdentity{Channel: r.channel, ProviderID: canonical}
	if kind, normalized, ok := r.builder.Parse(r.channel, canonical); ok {
		identity.Kind = kind
		identity.Normalized = normalized
	}
	created, _, err := r.store.CreateParticipantWithIdentity(ctx,
		&model.Participant{TenantID: r.tenantID, Name: name},
		identity)
	if err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	return created, nil
}

// Direction computes a message's direction from its sender. The provider's
// isSender hint never changes the result; a disagreement is recorded.
func (r *Resolver) Direction(senderProviderID string, hint *bool) model.Direction {
	canonical := r.builder.Canonical(r.channel, senderProviderID)
	if r.self == "" {
		r.warnOnce("self-unknown", fmt.Sprintf("%s account identity unknown; messages recorded as inbound", r.channel))
		return model.DirectionInbound
	}
	outbound := canonical == r.self
	if hint != nil && *hint != outbound {
		log.Warn("Provider sender hint disagrees with computed direction",
			"tenant", r.tenantID, "channel", r.channel, "sender", canonical, "hint", *hint, "outbound", outbound)
		security.ObserveDirectionMismatch(string(r.channel))
		r.warnOnce("hint:"+canonical, fmt.Sprintf("provider sender hint for %s disagrees with account identity", canonical))
	}
	if outbound {
		return model.DirectionOutbound
	}
	return model.DirectionInbound
}

func (r *Resolver) warnOnce(key, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[key] {
		return
	}
	r.warned[key] = true
	r.warnings = append(r.warnings, msg)
}

// Warnings returns the warnings collected so far.
func (r *Resolver) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// Touched returns every participant resolved by this resolver.
func (r *Resolver) Touched() []*model.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Participant, 0, len(r.touched))
	for _, p := range r.touched {
		out = append(out, p)
	}
	return out
}

// AcceptableName reports whether name is a real display name rather than a
// placeholder derived from the provider id.
func AcceptableName(name, providerID string) bool {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "unknown") {
		return false
	}
	if strings.EqualFold(n, providerID) {
		return false
	}
	local := address.LocalPart(providerID)
	if strings.EqualFold(n, local) || strings.EqualFold(strings.TrimPrefix(n, "@"), local) {
		return false
	}
	if !hasLetter(n) {
		digits := onlyDigits(n)
		if digits != "" && strings.TrimLeft(digits, "0") == strings.TrimLeft(onlyDigits(local), "0") {
			return false
		}
	}
	return true
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func onlyDigits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
