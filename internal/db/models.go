package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScheduledNotification is a push notification queued for future delivery.
// OwnerUserID is nil for system-generated concert reminders, which resolve
// their recipients at fire time instead of belonging to one user.
type ScheduledNotification struct {
	ID            uuid.UUID       `json:"id"`
	OwnerUserID   *uuid.UUID      `json:"owner_user_id,omitempty"`
	ConcertID     *uuid.UUID      `json:"concert_id,omitempty"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// Status constants. Transitions are one-directional:
// pending -> scheduled -> sent|failed, and pending|scheduled -> cancelled.
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusSent      = "sent"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusSent || status == StatusCancelled || status == StatusFailed
}

// DeliveryHistory is the per-recipient audit row written when a send
// attempt succeeds. Unread rows drive the recipient's badge count.
type DeliveryHistory struct {
	ID              uuid.UUID       `json:"id"`
	RecipientUserID uuid.UUID       `json:"recipient_user_id"`
	NotificationID  *uuid.UUID      `json:"notification_id,omitempty"`
	Title           string          `json:"title"`
	Message         string          `json:"message"`
	Data            json.RawMessage `json:"data,omitempty"`
	IsRead          bool            `json:"is_read"`
	SentAt          time.Time       `json:"sent_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Concert is the slice of the catalog this engine reads: identity, title,
// status, and performance datetimes. Catalog CRUD lives elsewhere.
type Concert struct {
	ID           uuid.UUID   `json:"id"`
	Title        string      `json:"title"`
	Status       string      `json:"status"`
	Performances []time.Time `json:"performances"`
}

// Concert status values the reminder generator treats as active.
const (
	ConcertUpcoming = "upcoming"
	ConcertOngoing  = "ongoing"
)
