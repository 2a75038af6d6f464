package model

import "time"

// Message delivery statuses.
const (
	StatusSending = "sending"
	StatusQueued  = "queued"
	StatusSent    = "sent"
	StatusError   = "error"
)

// Message content types.
const (
	TypeText   = "text"
	TypeFile   = "file"
	TypeSystem = "system"
)

// Message is a single chat message. TempID is assigned client-side at
// creation and kept after server confirmation so acknowledgements and
// fallback responses can be correlated with the optimistic entry.
type Message struct {
	ID             string            `json:"id,omitempty"`
	TempID         string            `json:"tempId"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	RecipientID    string            `json:"recipientId"`
	Content        string            `json:"content"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Status         string            `json:"status"`
	Pending        bool              `json:"pending"`
	Read           bool              `json:"read"`
	Error          string            `json:"error,omitempty"`
}

// Terminal reports whether the message reached a final delivery status.
func (m *Message) Terminal() bool {
	switch m.Status {
	case StatusSent, StatusQueued, StatusError:
		return true
	}
	return false
}

// Merge copies non-zero fields of other onto m, keeping m's TempID.
// Last merge wins on overlapping fields.
func (m *Message) Merge(other *Message) {
	if other.ID != "" {
		m.ID = other.ID
	}
	if other.ConversationID != "" {
		m.ConversationID = other.ConversationID
	}
	if other.SenderID != "" {
		m.SenderID = other.SenderID
	}
	if other.RecipientID != "" {
		m.RecipientID = other.RecipientID
	}
	if other.Content != "" {
		m.Content = other.Content
	}
	if other.Type != "" {
		m.Type = other.Type
	}
	if other.Metadata != nil {
		m.Metadata = other.Metadata
	}
	if !other.CreatedAt.IsZero() {
		m.CreatedAt = other.CreatedAt
	}
	if other.Status != "" {
		m.Status = other.Status
	}
	if other.Error != "" {
		m.Error = other.Error
	}
	m.Pending = other.Pending
	if other.Read {
		m.Read = true
	}
}
