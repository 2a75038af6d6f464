package chat

import "github.com/amoro/chatcore/internal/conn"

// Events emitted on the service's subscription surface. Connection state
// changes are forwarded under the connection manager's own event names.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventMessageQueued   = "message.queued"
	EventMessageUpdated  = "message.updated"
	EventMessageError    = "message.error"
	EventUserTyping      = "user.typing"
	EventNotification    = "notification"

	EventConnectionChanged = conn.EventChanged
)
