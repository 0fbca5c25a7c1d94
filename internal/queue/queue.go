// Package queue implements the delayed job queue the scheduling engine
// enqueues into and fires from. Jobs carry a caller-chosen key; a second
// enqueue under a live key is rejected, which is the engine's only
// de-duplication mechanism across repeated generator sweeps and retries.
// Execution is at-least-once; consumers make firing idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job kinds routed by the dispatcher at fire time.
const (
	KindScheduled = "scheduled"
	KindReminder  = "reminder"
)

// Payload is the job body handed back at fire time.
type Payload struct {
	Kind           string          `json:"kind"`
	NotificationID string          `json:"notification_id,omitempty"`
	ConcertID      string          `json:"concert_id,omitempty"`
	ConcertTitle   string          `json:"concert_title,omitempty"`
	PerformanceAt  time.Time       `json:"performance_at,omitempty"`
	LeadMinutes    int             `json:"lead_minutes,omitempty"`
	Title          string          `json:"title,omitempty"`
	Message        string          `json:"message,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ErrDuplicateJob indicates the job key is already enqueued (or recently
// fired and still inside its de-duplication window).
var ErrDuplicateJob = errors.New("job key already enqueued")

// Handler is invoked when a job's delay elapses.
type Handler func(ctx context.Context, p Payload) error

// Queue is the delayed-execution contract the lifecycle manager and the
// reminder generator enqueue into.
type Queue interface {
	// Enqueue schedules the payload to fire after delay. Returns
	// ErrDuplicateJob when the key is already present.
	Enqueue(ctx context.Context, key string, p Payload, delay time.Duration) error

	// Remove best-effort deletes a not-yet-fired job. Removing an unknown
	// key is not an error.
	Remove(ctx context.Context, key string) error
}
