package ids

import (
	"strings"

	"github.com/google/uuid"
)

// IsUUID reports whether clientID parses as a UUID.
func IsUUID(clientID string) bool {
	_, err := uuid.Parse(strings.TrimSpace(clientID))
	return err == nil
}

// SessionUUID maps a client identifier onto a stable UUID. Identifiers that
// already are UUIDs map to themselves; anything else maps to a name-based
// UUIDv5 in the DNS namespace, so the same client always lands in the same
// chat session row.
func SessionUUID(clientID string) uuid.UUID {
	trimmed := strings.TrimSpace(clientID)
	if parsed, err := uuid.Parse(trimmed); err == nil {
		return parsed
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(trimmed))
}
