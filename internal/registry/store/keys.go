package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/commsync/internal/model"
)

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// TrackingKey is the dedup key of a message. Webhook and poll copies of the
// same provider message produce the same key.
func TrackingKey(channel model.Channel, externalMessageID, content string, sentAt time.Time, sender string) string {
	if externalMessageID != "" {
		return digest(string(channel), "x", externalMessageID)
	}
	return digest(string(channel), "c", content, strconv.FormatInt(sentAt.UnixMilli(), 10), sender)
}

// ContentKey identifies a message by body and sender only. A provider copy
// and its earlier optimistic pre-send row share it.
func ContentKey(channel model.Channel, content, sender string) string {
	return digest(string(channel), content, sender)
}
