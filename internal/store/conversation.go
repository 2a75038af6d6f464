package store

import (
	"fmt"
	"time"

	"github.com/amoro/chatcore/internal/model"
)

// UpsertConversation inserts or refreshes a conversation head for one owning
// user, keeping the newest last-message fields.
func (db *DB) UpsertConversation(ownerID string, c *model.Conversation) error {
	if ownerID == "" {
		return fmt.Errorf("upsert conversation: missing owner")
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (owner_id, partner_id, partner_name, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, partner_id) DO UPDATE SET
			partner_name = CASE WHEN excluded.partner_name != '' THEN excluded.partner_name ELSE conversations.partner_name END,
			last_message = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message ELSE conversations.last_message END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		ownerID, c.PartnerID, c.PartnerName, c.LastMessage, c.LastMessageAt.UnixMilli(),
		c.UnreadCount, now)
	return err
}

// ListConversations returns one owner's conversation heads, most recent first.
func (db *DB) ListConversations(ownerID string, limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT partner_id, partner_name, last_message, last_message_at, unread_count
		FROM conversations
		WHERE owner_id = ?
		ORDER BY last_message_at DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var at int64
		if err := rows.Scan(&c.PartnerID, &c.PartnerName, &c.LastMessage, &at, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = time.UnixMilli(at).UTC()
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
