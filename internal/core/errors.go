package core

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrNotFound means no record exists for the connection.
	ErrNotFound = errors.New("rate limit record not found")

	// ErrStoreUnavailable means the durable store could not be reached.
	// Admission fails closed when this is returned.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrInvalidConnectionID means the connection id is empty or malformed.
	ErrInvalidConnectionID = errors.New("invalid connection id")

	// ErrConflict means an optimistic write lost against a concurrent update.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrBlocked means a send was reported against a connection that is
	// already over its daily limit; the send was not counted.
	ErrBlocked = errors.New("connection is blocked")
)

// MaxConnectionIDLength bounds connection ids accepted by the engine.
const MaxConnectionIDLength = 256

// NormalizeConnectionID trims and validates a connection id.
func NormalizeConnectionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: connection id is required", ErrInvalidConnectionID)
	}
	if len(id) > MaxConnectionIDLength {
		return "", fmt.Errorf("%w: connection id exceeds %d bytes", ErrInvalidConnectionID, MaxConnectionIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: connection id contains control characters", ErrInvalidConnectionID)
		}
	}
	return id, nil
}
