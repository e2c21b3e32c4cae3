package model

import "strings"

// Channel is a messaging channel family.
type Channel string

const (
	ChannelChat   Channel = "chat"
	ChannelEmail  Channel = "email"
	ChannelSocial Channel = "social"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelChat, ChannelEmail, ChannelSocial}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// IdentifierKind is the kind of a contact identifier derived from record data.
type IdentifierKind string

const (
	IdentifierPhone        IdentifierKind = "phone"
	IdentifierEmail        IdentifierKind = "email"
	IdentifierSocialHandle IdentifierKind = "social_handle"
)

// Direction of a message relative to the connected account.
type Direction string

const (
	DirectionUnresolved Direction = ""
	DirectionInbound    Direction = "inbound"
	DirectionOutbound   Direction = "outbound"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus maps provider status strings onto the known set.
// Unknown values return "".
func ParseMessageStatus(s string) MessageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return MessageStatusPending
	case "sent", "accepted":
		return MessageStatusSent
	case "delivered":
		return MessageStatusDelivered
	case "read", "seen", "played":
		return MessageStatusRead
	case "failed", "undelivered", "error":
		return MessageStatusFailed
	default:
		return ""
	}
}

func statusRank(s MessageStatus) int {
	switch s {
	case MessageStatusPending:
		return 1
	case MessageStatusSent:
		return 2
	case MessageStatusDelivered:
		return 3
	case MessageStatusRead:
		return 4
	default:
		return 0
	}
}

// Supersedes returns the statuses that an incoming status may overwrite.
// Delivery progress only moves forward; failed only overrides pending or sent.
func (s MessageStatus) Supersedes() []MessageStatus {
	var out []MessageStatus
	switch s {
	case "":
		return nil
	case MessageStatusFailed:
		return []MessageStatus{"", MessageStatusPending, MessageStatusSent}
	}
	out = append(out, "")
	for _, candidate := range []MessageStatus{MessageStatusPending, MessageStatusSent, MessageStatusDelivered} {
		if statusRank(candidate) < statusRank(s) {
			out = append(out, candidate)
		}
	}
	if statusRank(s) >= statusRank(MessageStatusDelivered) {
		out = append(out, MessageStatusFailed)
	}
	return out
}

// RecordRef points at a CRM record owned by an external system.
type RecordRef struct {
	Type string `json:"recordType"`
	ID   string `json:"recordId"`
}

func (r RecordRef) String() string { return r.Type + "/" + r.ID }
