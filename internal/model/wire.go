package model

import "time"

// SendAck is the server's acknowledgement of an outbound message, carried
// by the messageSent, messageQueued and messageError wire events.
type SendAck struct {
	TempID         string    `json:"tempId"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
	Error          string    `json:"error,omitempty"`
}

// Typing is the payload of the typing wire event.
type Typing struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
}
