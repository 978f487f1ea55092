// Package transport defines the chat-transport client consumed by the
// session state machine and the delivery pipeline. The real implementation
// is backed by whatsmeow; tests use in-memory fakes.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by send paths when the session backing the
// client is not open. Callers fail fast; there is no retry at this layer.
var ErrNotConnected = errors.New("transport: not connected")

// EventType identifies a transport lifecycle or message event.
type EventType string

const (
	// EventPairingToken carries a fresh QR pairing code.
	EventPairingToken EventType = "pairing_token"
	// EventOpen fires when the session is authenticated and usable.
	EventOpen EventType = "open"
	// EventAuthFailure fires when the stored credentials are invalidated.
	EventAuthFailure EventType = "auth_failure"
	// EventDisconnected fires when the connection is lost or torn down.
	EventDisconnected EventType = "disconnected"
	// EventMessage carries an inbound message.
	EventMessage EventType = "message"
)

// InboundMessage is an incoming chat message delivered via EventMessage.
type InboundMessage struct {
	ID         string
	Phone      string
	Body       string
	ReceivedAt time.Time
}

// Event is a single typed event dispatched to the per-tenant handler.
type Event struct {
	Type    EventType
	Token   string // EventPairingToken only
	Reason  string // EventAuthFailure / EventDisconnected detail
	Message *InboundMessage
}

// Handler receives transport events. Each invocation is a discrete state
// transition input for the session state machine.
type Handler func(Event)

// Client is one tenant's handle to the chat transport. A Client is owned
// exclusively by its Session and must not be shared.
type Client interface {
	// Initialize starts the connection. If no credentials exist, pairing
	// tokens are emitted through the handler; otherwise the client
	// reconnects with the stored session. Non-blocking: progress is
	// reported via events.
	Initialize(ctx context.Context) error

	// Destroy tears the connection down and releases the handle.
	Destroy() error

	// SendMessage delivers text to a chat ID (format.NormalizePhone output)
	// and returns the transport message ID.
	SendMessage(ctx context.Context, chatID, text string) (string, error)

	// ChatPresence signals a typing indicator to the chat. Best effort.
	ChatPresence(ctx context.Context, chatID string) error

	// IsConnected reports whether the underlying connection is live.
	IsConnected() bool
}

// Factory creates transport clients per tenant. The handler receives every
// event for that tenant's client.
type Factory interface {
	NewClient(ctx context.Context, tenantID string, h Handler) (Client, error)
}
