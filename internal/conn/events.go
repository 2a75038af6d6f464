package conn

// Bus events published by the manager.
const (
	EventEstablished     = "connection.established"
	EventLost            = "connection.lost"
	EventReconnected     = "connection.reconnected"
	EventReconnectFailed = "connection.reconnect_failed"
	EventChanged         = "connection.changed"
	EventDegraded        = "connection.degraded"

	// Forwarded application events, deduplicated before publishing.
	EventMessage      = "transport.message"
	EventSendAck      = "transport.send_ack"
	EventSendQueued   = "transport.send_queued"
	EventSendError    = "transport.send_error"
	EventTyping       = "transport.typing"
	EventNotification = "transport.notification"
)

// Wire events exchanged with the socket server.
const (
	WireSendMessage  = "sendMessage"
	WireMessageSent  = "messageSent"
	WireMessageQueue = "messageQueued"
	WireMessageError = "messageError"
	WireNewMessage   = "newMessage"
	WireTyping       = "typing"
	WireMarkRead     = "markRead"
	WireNotification = "notification"
	wirePing         = "ping"
	wirePong         = "pong"
)
