// Package store persists notification records and clears device tokens in
// Postgres.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("notification not found")

// Status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Notification is the durable audit record for one notification job.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    *string        `json:"user_id,omitempty"`
	RideID    *string        `json:"ride_id,omitempty"`
	BookingID *string        `json:"booking_id,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Done reports whether the record needs no further delivery.
func (n *Notification) Done() bool {
	return n.Status == StatusSent || n.Status == StatusSkipped
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}
