package model

import "time"

// Conversation is one thread, keyed by the counterpart user's ID.
type Conversation struct {
	PartnerID     string    `json:"partnerId"`
	PartnerName   string    `json:"partnerName,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// User is the identity handed to Initialize by the auth collaborator.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PendingOp is an outbound operation held for replay after reconnect.
type PendingOp struct {
	Event     string
	Payload   any
	Timestamp time.Time
	Priority  int
	Retries   int
}
