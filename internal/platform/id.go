// Package platform generates the identifiers used across the service.
package platform

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const (
	shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	shortIDLength   = 10
)

// NewID returns a random UUID used for accounts and metering records.
func NewID() string {
	return uuid.New().String()
}

// NewJobID returns a time-ordered UUID, so job ids sort by submission time in
// Temporal and in the last_task_id of accounts.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return NewID()
	}
	return id.String()
}

// NewName returns prefix followed by a short random lowercase suffix.
func NewName(prefix string) string {
	b := make([]byte, shortIDLength)
	rand.Read(b)
	for i := range b {
		b[i] = shortIDAlphabet[b[i]%byte(len(shortIDAlphabet))]
	}
	return prefix + string(b)
}
