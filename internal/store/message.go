package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoro/chatcore/internal/model"
)

// dedupeKey is the archive identity of a message: the client tempId when
// present, otherwise the server id (inbound messages never have a tempId).
func dedupeKey(m *model.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// UpsertMessage inserts or updates a message under the owning user's slice of
// the archive, idempotent on (owner_id, conversation_id, dedupe key).
func (db *DB) UpsertMessage(ownerID string, m *model.Message) error {
	key := dedupeKey(m)
	if key == "" || m.ConversationID == "" {
		return fmt.Errorf("upsert message: missing identity")
	}
	if ownerID == "" {
		return fmt.Errorf("upsert message: missing owner")
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO messages (owner_id, conversation_id, dedupe_key, msg_id, temp_id, sender_id, recipient_id, content, msg_type, metadata, status, read, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, dedupe_key) DO UPDATE SET
			msg_id = excluded.msg_id,
			content = excluded.content,
			status = excluded.status,
			read = MAX(messages.read, excluded.read),
			error = excluded.error`,
		ownerID, m.ConversationID, key, m.ID, m.TempID, m.SenderID, m.RecipientID,
		m.Content, m.Type, string(meta), m.Status, boolToInt(m.Read), m.Error,
		m.CreatedAt.UnixMilli())
	return err
}

// ListMessages returns a conversation's newest messages for one owning user,
// ascending by creation time.
func (db *DB) ListMessages(ownerID, conversationID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT msg_id, temp_id, conversation_id, sender_id, recipient_id, content, msg_type, metadata, status, read, error, created_at
		FROM (
			SELECT * FROM messages
			WHERE owner_id = ? AND conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`, ownerID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*model.Message
	for rows.Next() {
		var m model.Message
		var meta string
		var read int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.TempID, &m.ConversationID, &m.SenderID,
			&m.RecipientID, &m.Content, &m.Type, &meta, &m.Status, &read,
			&m.Error, &createdAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &m.Metadata)
		}
		m.Read = read != 0
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkConversationRead flags the owner's archived inbound messages as read.
func (db *DB) MarkConversationRead(ownerID, conversationID string) error {
	_, err := db.Exec(`
		UPDATE messages SET read = 1
		WHERE owner_id = ? AND conversation_id = ? AND sender_id != ? AND read = 0`,
		ownerID, conversationID, ownerID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
