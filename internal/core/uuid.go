package core

import (
	"github.com/google/uuid"
)

// NewUUIDv7 returns a new time-ordered UUIDv7 string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUIDv7 reports whether s parses as a UUID with version 7 and the RFC 4122 variant.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}

// IsValidUUID reports whether s parses as any UUID.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
