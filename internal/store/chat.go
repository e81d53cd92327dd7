package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat record and its member set.
// The server head (LastUpdateID) only ever moves forward.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	var expiresAt any
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.UnixMilli()
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO chats (chat_id, type, title, created_at, blocked, expires_at, last_update_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			type = excluded.type,
			title = excluded.title,
			created_at = excluded.created_at,
			blocked = excluded.blocked,
			expires_at = excluded.expires_at,
			last_update_id = MAX(chats.last_update_id, excluded.last_update_id),
			updated_at = excluded.updated_at`,
		c.ChatID, string(c.Type), c.Title, c.CreatedAt.UnixMilli(), c.Blocked, expiresAt, c.LastUpdateID, now)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if c.Members != nil {
		if _, err := tx.Exec(`DELETE FROM chat_members WHERE chat_id = ?`, c.ChatID); err != nil {
			return fmt.Errorf("reset chat members: %w", err)
		}
		for _, m := range c.Members {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)`,
				c.ChatID, m); err != nil {
				return fmt.Errorf("insert chat member: %w", err)
			}
		}
	}
	return tx.Commit()
}

// GetChat returns a single chat by ID, or nil if unknown.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	var typ string
	var createdAt, updatedAt int64
	var expiresAt sql.NullInt64
	err := db.QueryRow(`
		SELECT chat_id, type, title, created_at, blocked, expires_at, last_update_id, updated_at
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &typ, &c.Title, &createdAt, &c.Blocked, &expiresAt, &c.LastUpdateID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.Type = ChatType(typ)
	c.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		c.ExpiresAt = &t
	}

	rows, err := db.Query(`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		c.Members = append(c.Members, m)
	}
	return &c, rows.Err()
}

// ListChats returns all known chats ordered by most recent activity.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id FROM chats
		ORDER BY last_update_id DESC, chat_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	chats := make([]Chat, 0, len(ids))
	for _, id := range ids {
		c, err := db.GetChat(id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			chats = append(chats, *c)
		}
	}
	return chats, nil
}

// DeleteChat removes a chat and everything hanging off it, atomically.
func (db *DB) DeleteChat(chatID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM reactions WHERE chat_id = ?`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM updates WHERE chat_id = ?`,
		`DELETE FROM pending_mutations WHERE chat_id = ?`,
		`DELETE FROM chat_members WHERE chat_id = ?`,
		`DELETE FROM chats WHERE chat_id = ?`,
	} {
		if _, err := tx.Exec(stmt, chatID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
	}
	return tx.Commit()
}

// SetChatBlocked flips the blocked flag.
func (db *DB) SetChatBlocked(chatID string, blocked bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET blocked = ?, updated_at = ? WHERE chat_id = ?`,
		blocked, now, chatID)
	if err != nil {
		return fmt.Errorf("set chat blocked: %w", err)
	}
	return nil
}

// SetChatExpiration records the server-assigned expiration instant.
// A nil expiresAt clears it.
func (db *DB) SetChatExpiration(chatID string, expiresAt *time.Time) error {
	now := time.Now().UnixMilli()
	var v any
	if expiresAt != nil {
		v = expiresAt.UnixMilli()
	}
	_, err := db.Exec(`UPDATE chats SET expires_at = ?, updated_at = ? WHERE chat_id = ?`,
		v, now, chatID)
	if err != nil {
		return fmt.Errorf("set chat expiration: %w", err)
	}
	return nil
}

// UpdateGroupInfo overwrites the group title.
func (db *DB) UpdateGroupInfo(chatID, title string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET title = ?, updated_at = ? WHERE chat_id = ?`,
		title, now, chatID)
	if err != nil {
		return fmt.Errorf("update group info: %w", err)
	}
	return nil
}

// AddMembers adds users to a group chat. Already-present members are ignored.
func (db *DB) AddMembers(chatID string, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := db.Exec(`INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)`,
			chatID, id); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
	}
	return nil
}

// RemoveMembers removes users from a group chat.
func (db *DB) RemoveMembers(chatID string, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := db.Exec(`DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?`,
			chatID, id); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
	}
	return nil
}
