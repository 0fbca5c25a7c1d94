// Package push is the transport boundary for device push delivery.
package push

import (
	"context"
	"encoding/json"
	"errors"
)

// Notification is the per-token payload handed to a transport.
type Notification struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
	Badge int             `json:"badge"`
}

// ErrInvalidToken is returned when the transport reports the device token
// as invalid or unregistered. The token must be purged from the recipient
// directory and never retried; every other transport error is a plain
// delivery failure.
var ErrInvalidToken = errors.New("push token invalid or unregistered")

// Sender delivers one notification to one device token.
type Sender interface {
	Send(ctx context.Context, token string, n Notification) error
}
