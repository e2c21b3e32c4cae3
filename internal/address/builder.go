// Package address maps normalized identifiers to provider addresses and back.
package address

import (
	"sort"
	"strings"

	"github.com/chirino/commsync/internal/identifier"
	"github.com/chirino/commsync/internal/model"
	"golang.org/x/net/idna"
)

// DefaultChatDomain is the JID server used for phone-based chat addresses.
const DefaultChatDomain = "s.whatsapp.net"

// ProviderAddress is a provider-specific query key. It is never persisted.
type ProviderAddress struct {
	Channel    model.Channel         `json:"channel"`
	Address    string                `json:"address"`
	Identifier identifier.Identifier `json:"identifier"`
}

// Builder is pure and safe for concurrent use.
type Builder struct {
	chatDomain string
}

func NewBuilder(chatDomain string) *Builder {
	if chatDomain == "" {
		chatDomain = DefaultChatDomain
	}
	return &Builder{chatDomain: strings.ToLower(chatDomain)}
}

// Build returns the provider address for id on channel. Unsupported
// (channel, kind) combinations return false.
func (b *Builder) Build(channel model.Channel, id identifier.Identifier) (ProviderAddress, bool) {
	addr, ok := b.address(channel, id.Kind, id.Normalized)
	if !ok {
		return ProviderAddress{}, false
	}
	return ProviderAddress{Channel: channel, Address: addr, Identifier: id}, true
}

func (b *Builder) address(channel model.Channel, kind model.IdentifierKind, normalized string) (string, bool) {
	switch {
	case channel == model.ChannelChat && kind == model.IdentifierPhone:
		digits := strings.TrimLeft(onlyDigits(normalized), "0")
		if digits == "" {
			return "", false
		}
		return digits + "@" + b.chatDomain, true
	case channel == model.ChannelEmail && kind == model.IdentifierEmail:
		local, domain, ok := splitAt(strings.ToLower(normalized))
		if !ok {
			return "", false
		}
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return "", false
		}
		return local + "@" + ascii, true
	case channel == model.ChannelSocial && kind == model.IdentifierSocialHandle:
		h := strings.TrimPrefix(strings.ToLower(normalized), "@")
		if h == "" {
			return "", false
		}
		user, instance, ok := splitAt(h)
		if !ok {
			return h, true
		}
		ascii, err := idna.Lookup.ToASCII(instance)
		if err != nil {
			return "", false
		}
		return user + "@" + ascii, true
	default:
		return "", false
	}
}

// BuildAll builds every address for ids on channel, skipping identifiers the
// channel does not support or that are restricted to other channels.
// Duplicate addresses are dropped.
func (b *Builder) BuildAll(channel model.Channel, ids []identifier.Identifier) []ProviderAddress {
	seen := map[string]bool{}
	var out []ProviderAddress
	for _, id := range ids {
		if !id.Allows(channel) {
			continue
		}
		pa, ok := b.Build(channel, id)
		if !ok || seen[pa.Address] {
			continue
		}
		seen[pa.Address] = true
		out = append(out, pa)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Canonical normalizes a provider id seen in a payload so that identity keys
// compare equal. Chat ids lose any ":device" suffix, and email domains are
// punycoded. Values that cannot be parsed are lowercased and trimmed.
func (b *Builder) Canonical(channel model.Channel, providerID string) string {
	raw := strings.ToLower(strings.TrimSpace(providerID))
	kind, normalized, ok := b.Parse(channel, raw)
	if !ok {
		return raw
	}
	if addr, ok := b.address(channel, kind, normalized); ok {
		return addr
	}
	return raw
}

// Parse maps a provider id back to the identifier it was built from.
func (b *Builder) Parse(channel model.Channel, providerID string) (model.IdentifierKind, string, bool) {
	raw := strings.ToLower(strings.TrimSpace(providerID))
	if raw == "" {
		return "", "", false
	}
	switch channel {
	case model.ChannelChat:
		user, server, hasServer := splitAt(raw)
		if !hasServer {
			user = raw
		} else if server != b.chatDomain && server != "c.us" {
			return "", "", false
		}
		user, _, _ = strings.Cut(user, ":")
		user = strings.TrimPrefix(user, "+")
		if user == "" || onlyDigits(user) != user {
			return "", "", false
		}
		return model.IdentifierPhone, strings.TrimLeft(user, "0"), true
	case model.ChannelEmail:
		n, err := identifier.NormalizeEmail(raw)
		if err != nil {
			return "", "", false
		}
		return model.IdentifierEmail, n, true
	case model.ChannelSocial:
		h, _, err := identifier.NormalizeHandle(raw)
		if err != nil {
			return "", "", false
		}
		return model.IdentifierSocialHandle, h, true
	default:
		return "", "", false
	}
}

// LocalPart returns the part of a provider id before "@" (and before any
// ":device" suffix), or the id itself.
func LocalPart(providerID string) string {
	user, _, ok := splitAt(providerID)
	if !ok {
		user = providerID
	}
	user, _, _ = strings.Cut(user, ":")
	return user
}

func splitAt(s string) (string, string, bool) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
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
