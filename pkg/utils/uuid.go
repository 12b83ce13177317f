package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// NewUUID generates a new UUIDv7 (time-based). File ids, attachment ids and
// chunk session ids are minted this way so they sort roughly by creation
// time; capability tokens are random opaque strings, not UUIDs.
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

// MustNewUUID generates a new UUIDv7 and panics on the (practically
// unreachable) entropy-source failure, for call sites that cannot
// propagate an error.
func MustNewUUID() string {
	id, err := NewUUID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewUUIDOrDefault generates a new UUIDv7 or returns the nil UUID if
// generation fails.
func NewUUIDOrDefault() string {
	id, err := NewUUID()
	if err != nil {
		return "00000000-0000-0000-0000-000000000000"
	}
	return id
}

// ValidateUUID reports whether s parses as a UUID of any variant.
func ValidateUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ParseUUID parses s as a UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
