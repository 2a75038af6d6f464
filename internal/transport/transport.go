// Package transport defines the bidirectional event channel the connection
// manager orchestrates, and provides the WebSocket implementation used in
// production. The manager and everything above it only see the interface.
package transport

import (
	"context"
	"encoding/json"
)

// Mode identifies the underlying transport flavor.
type Mode string

const (
	// ModeWebSocket is the persistent socket transport.
	ModeWebSocket Mode = "websocket"
	// ModePolling marks a degraded long-polling fallback.
	ModePolling Mode = "polling"
)

// Frame is the wire format: a named event with an opaque JSON payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport is an event-based bidirectional channel.
type Transport interface {
	// Connect establishes the session. It may be called again after a
	// disconnect to re-establish it.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect() error
	// Emit sends an event with a JSON-marshalable payload.
	Emit(event string, payload any) error
	// On registers a handler for inbound frames of the given event.
	// Handlers survive reconnects.
	On(event string, fn func(json.RawMessage))
	// OnDisconnect registers a callback invoked when the session drops
	// for any reason other than an explicit Disconnect.
	OnDisconnect(fn func(error))
	// Connected reports whether the session is currently live.
	Connected() bool
	// Mode reports the transport flavor.
	Mode() Mode
}
