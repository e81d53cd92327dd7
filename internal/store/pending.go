package store

import (
	"fmt"
	"time"
)

// bufferMutation stores a mutation whose target update has not arrived yet.
// The per-chat buffer is capped; the oldest entries are evicted first.
func (db *DB) bufferMutation(q querier, u *Update, targetID int64) error {
	content, err := encodeContent(u)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := q.Exec(`
		INSERT OR IGNORE INTO pending_mutations
			(chat_id, target_id, update_id, type, sender_id, created_at, content, buffered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ChatID, targetID, u.UpdateID, string(u.Type), u.SenderID,
		u.CreatedAt.UnixMilli(), content, now); err != nil {
		return fmt.Errorf("buffer mutation: %w", err)
	}

	// Evict beyond the cap, oldest buffered first.
	if _, err := q.Exec(`
		DELETE FROM pending_mutations
		WHERE chat_id = ? AND update_id NOT IN (
			SELECT update_id FROM pending_mutations
			WHERE chat_id = ?
			ORDER BY buffered_at DESC, update_id DESC
			LIMIT ?
		)`, u.ChatID, u.ChatID, db.pendingCap); err != nil {
		return fmt.Errorf("evict pending mutations: %w", err)
	}
	return nil
}

// PendingCount returns the number of buffered mutations for a chat.
func (db *DB) PendingCount(chatID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_mutations WHERE chat_id = ?`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// PrunePending deletes buffered mutations older than the TTL, across all
// chats. Returns the number of rows removed.
func (db *DB) PrunePending() (int64, error) {
	cutoff := time.Now().Add(-db.pendingTTL).UnixMilli()
	res, err := db.Exec(`DELETE FROM pending_mutations WHERE buffered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pending mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune pending mutations: %w", err)
	}
	return n, nil
}
