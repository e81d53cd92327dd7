package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ApplyOutcome reports what ApplyMutation did with a mutation.
type ApplyOutcome int

const (
	// MutationApplied means the target projection was updated.
	MutationApplied ApplyOutcome = iota
	// MutationBuffered means the target has not arrived yet; the mutation
	// was stored in pending_mutations and will replay on append.
	MutationBuffered
	// MutationDropped means the target is hard-deleted locally and the
	// mutation was discarded.
	MutationDropped
)

// AppendUpdate inserts an update into the chat's log. Returns false if
// (chat_id, update_id) was already present (idempotent: the same update can
// arrive from both push and backfill). For original updates (text, file,
// secret) a projection row is created and any buffered mutations targeting
// it are replayed in ascending update_id order.
//
// All statements run in one transaction: a storage failure leaves no trace,
// so a retried append starts from a clean slate instead of hitting the
// dedup with half the work done.
func (db *DB) AppendUpdate(u *Update) (bool, error) {
	content, err := encodeContent(u)
	if err != nil {
		return false, err
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO updates (chat_id, update_id, type, sender_id, created_at, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ChatID, u.UpdateID, string(u.Type), u.SenderID, u.CreatedAt.UnixMilli(), content)
	if err != nil {
		return false, fmt.Errorf("append update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append update: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO chats (chat_id, last_update_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_update_id = MAX(chats.last_update_id, excluded.last_update_id),
			updated_at = excluded.updated_at`,
		u.ChatID, u.UpdateID, now, now); err != nil {
		return false, fmt.Errorf("bump chat high-water mark: %w", err)
	}

	if u.Type.IsMutation() {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("append update: %w", err)
		}
		return true, nil
	}

	var fileJSON any
	if u.File != nil {
		data, err := json.Marshal(u.File)
		if err != nil {
			return false, fmt.Errorf("encode file content: %w", err)
		}
		fileJSON = string(data)
	}
	text := ""
	if u.Text != nil {
		text = u.Text.Text
	}
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (chat_id, update_id, kind, sender_id, created_at, text, file)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ChatID, u.UpdateID, string(u.Type), u.SenderID, u.CreatedAt.UnixMilli(), text, fileJSON); err != nil {
		return false, fmt.Errorf("insert projection: %w", err)
	}

	if err := db.replayPending(tx, u.ChatID, u.UpdateID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("append update: %w", err)
	}
	return true, nil
}

// ApplyMutation folds an edited/reaction/deleted update into the projection
// of the update it targets. If the target has not arrived yet the mutation
// is buffered; if the target is hard-deleted it is dropped. Lookup and
// apply run in one transaction.
func (db *DB) ApplyMutation(u *Update) (ApplyOutcome, error) {
	targetID, ok := u.TargetID()
	if !ok {
		return MutationDropped, fmt.Errorf("mutation %d in chat %s has no target", u.UpdateID, u.ChatID)
	}

	tx, err := db.Begin()
	if err != nil {
		return MutationDropped, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, err := db.applyMutationIn(tx, u, targetID)
	if err != nil {
		return outcome, err
	}
	if err := tx.Commit(); err != nil {
		return outcome, fmt.Errorf("apply mutation: %w", err)
	}
	return outcome, nil
}

// applyMutationIn is the guts of ApplyMutation, shared with pending-buffer
// replay so a tombstone laid down mid-replay blocks the mutations behind it.
func (db *DB) applyMutationIn(q querier, u *Update, targetID int64) (ApplyOutcome, error) {
	var mode sql.NullString
	err := q.QueryRow(`SELECT deleted_mode FROM messages WHERE chat_id = ? AND update_id = ?`,
		u.ChatID, targetID).Scan(&mode)
	if err == sql.ErrNoRows {
		if err := db.bufferMutation(q, u, targetID); err != nil {
			return MutationBuffered, err
		}
		return MutationBuffered, nil
	}
	if err != nil {
		return MutationDropped, fmt.Errorf("look up mutation target: %w", err)
	}

	// Mutations still land on soft-deleted projections; hard deletion
	// tombstones the row for good.
	if mode.Valid && DeleteMode(mode.String) == DeleteHard {
		return MutationDropped, nil
	}

	if err := db.applyToProjection(q, u, targetID); err != nil {
		return MutationApplied, err
	}
	return MutationApplied, nil
}

func (db *DB) applyToProjection(q querier, u *Update, targetID int64) error {
	switch u.Type {
	case UpdateEdited:
		// Later edits win; replays arrive in ascending order but a guard
		// keeps an older edit from clobbering a newer one.
		_, err := q.Exec(`
			UPDATE messages SET edit_text = ?, edit_update_id = ?, edited_at = ?
			WHERE chat_id = ? AND update_id = ?
			AND (edit_update_id IS NULL OR edit_update_id < ?)`,
			u.Edit.Text, u.UpdateID, u.CreatedAt.UnixMilli(),
			u.ChatID, targetID, u.UpdateID)
		if err != nil {
			return fmt.Errorf("apply edit: %w", err)
		}

	case UpdateReaction:
		if u.Reaction.Reaction == "" {
			if _, err := q.Exec(`
				DELETE FROM reactions WHERE chat_id = ? AND message_id = ? AND sender_id = ?`,
				u.ChatID, targetID, u.SenderID); err != nil {
				return fmt.Errorf("remove reaction: %w", err)
			}
			return nil
		}
		if _, err := q.Exec(`
			INSERT INTO reactions (chat_id, message_id, sender_id, reaction, update_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, message_id, sender_id) DO UPDATE SET
				reaction = excluded.reaction,
				update_id = excluded.update_id
			WHERE excluded.update_id > reactions.update_id`,
			u.ChatID, targetID, u.SenderID, u.Reaction.Reaction, u.UpdateID); err != nil {
			return fmt.Errorf("apply reaction: %w", err)
		}

	case UpdateDeleted:
		if u.Delete.Mode == DeleteHard {
			if _, err := q.Exec(`
				UPDATE messages SET deleted = 1, deleted_mode = 'hard',
					text = '', file = NULL, edit_text = NULL, edit_update_id = NULL, edited_at = NULL
				WHERE chat_id = ? AND update_id = ?`,
				u.ChatID, targetID); err != nil {
				return fmt.Errorf("apply hard delete: %w", err)
			}
			if _, err := q.Exec(`DELETE FROM reactions WHERE chat_id = ? AND message_id = ?`,
				u.ChatID, targetID); err != nil {
				return fmt.Errorf("clear reactions after hard delete: %w", err)
			}
			return nil
		}
		if _, err := q.Exec(`
			UPDATE messages SET deleted = 1, deleted_mode = 'soft'
			WHERE chat_id = ? AND update_id = ? AND deleted_mode IS NOT 'hard'`,
			u.ChatID, targetID); err != nil {
			return fmt.Errorf("apply soft delete: %w", err)
		}

	default:
		return fmt.Errorf("update type %s is not a mutation", u.Type)
	}
	return nil
}

// replayPending applies all buffered mutations targeting the given update,
// in ascending update_id order, then clears them. Each one goes through the
// full mutation path, so a buffered hard delete tombstones the target and
// later buffered mutations are dropped instead of landing on it.
func (db *DB) replayPending(q querier, chatID string, targetID int64) error {
	rows, err := q.Query(`
		SELECT update_id, type, sender_id, created_at, content
		FROM pending_mutations
		WHERE chat_id = ? AND target_id = ?
		ORDER BY update_id ASC`, chatID, targetID)
	if err != nil {
		return fmt.Errorf("load pending mutations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []*Update
	for rows.Next() {
		u := &Update{ChatID: chatID}
		var typ, content string
		var createdAt int64
		if err := rows.Scan(&u.UpdateID, &typ, &u.SenderID, &createdAt, &content); err != nil {
			return fmt.Errorf("scan pending mutation: %w", err)
		}
		u.Type = UpdateType(typ)
		u.CreatedAt = time.UnixMilli(createdAt)
		if err := decodeContent(u, content); err != nil {
			return err
		}
		pending = append(pending, u)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending mutations: %w", err)
	}

	for _, u := range pending {
		if _, err := db.applyMutationIn(q, u, targetID); err != nil {
			return err
		}
		if _, err := q.Exec(`DELETE FROM pending_mutations WHERE chat_id = ? AND update_id = ?`,
			chatID, u.UpdateID); err != nil {
			return fmt.Errorf("clear pending mutation: %w", err)
		}
	}
	return nil
}

// LastUpdateID returns the highest update_id seen for the chat across all
// update kinds, or (0, false) if the chat has no local history.
func (db *DB) LastUpdateID(chatID string) (int64, bool, error) {
	var maxID sql.NullInt64
	err := db.QueryRow(`SELECT MAX(update_id) FROM updates WHERE chat_id = ?`, chatID).Scan(&maxID)
	if err != nil {
		return 0, false, fmt.Errorf("last update id: %w", err)
	}
	if !maxID.Valid {
		return 0, false, nil
	}
	return maxID.Int64, true, nil
}

// RangeUpdates returns all updates with update_id in [from, to], ascending.
func (db *DB) RangeUpdates(chatID string, from, to int64) ([]Update, error) {
	rows, err := db.Query(`
		SELECT update_id, type, sender_id, created_at, content
		FROM updates
		WHERE chat_id = ? AND update_id >= ? AND update_id <= ?
		ORDER BY update_id ASC`, chatID, from, to)
	if err != nil {
		return nil, fmt.Errorf("range updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var updates []Update
	for rows.Next() {
		u := Update{ChatID: chatID}
		var typ, content string
		var createdAt int64
		if err := rows.Scan(&u.UpdateID, &typ, &u.SenderID, &createdAt, &content); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.Type = UpdateType(typ)
		u.CreatedAt = time.UnixMilli(createdAt)
		if err := decodeContent(&u, content); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// GetProjection returns the folded view of a single message, or nil if the
// update is unknown or not an original message.
func (db *DB) GetProjection(chatID string, updateID int64) (*Projection, error) {
	p := Projection{ChatID: chatID, UpdateID: updateID}
	var kind string
	var createdAt int64
	var fileJSON, editText, deletedMode sql.NullString
	var editUpdateID, editedAt sql.NullInt64
	var deleted bool

	err := db.QueryRow(`
		SELECT kind, sender_id, created_at, text, file, edit_text, edit_update_id, edited_at, deleted, deleted_mode
		FROM messages WHERE chat_id = ? AND update_id = ?`,
		chatID, updateID).
		Scan(&kind, &p.SenderID, &createdAt, &p.Text, &fileJSON, &editText, &editUpdateID, &editedAt, &deleted, &deletedMode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get projection: %w", err)
	}

	p.Kind = UpdateType(kind)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.Deleted = deleted
	if deletedMode.Valid {
		p.DeletedMode = DeleteMode(deletedMode.String)
	}
	if fileJSON.Valid {
		var fc FileContent
		if err := json.Unmarshal([]byte(fileJSON.String), &fc); err != nil {
			return nil, fmt.Errorf("decode file content: %w", err)
		}
		p.File = &fc
	}
	if editText.Valid && editUpdateID.Valid {
		p.Edited = &EditState{
			Text:       editText.String,
			ByUpdateID: editUpdateID.Int64,
			EditedAt:   time.UnixMilli(editedAt.Int64),
		}
		p.Text = editText.String
	}

	reactions, err := db.reactionsFor(chatID, updateID)
	if err != nil {
		return nil, err
	}
	p.Reactions = reactions
	return &p, nil
}

// ListMessages returns projections for a chat using keyset pagination by
// update_id, newest first. beforeID <= 0 means start from the newest.
func (db *DB) ListMessages(chatID string, beforeID int64, limit int) ([]Projection, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = int64(^uint64(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT update_id FROM messages
		WHERE chat_id = ? AND update_id < ?
		ORDER BY update_id DESC
		LIMIT ?`, chatID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	msgs := make([]Projection, 0, len(ids))
	for _, id := range ids {
		p, err := db.GetProjection(chatID, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			msgs = append(msgs, *p)
		}
	}
	return msgs, nil
}

func (db *DB) reactionsFor(chatID string, messageID int64) (map[string]string, error) {
	rows, err := db.Query(`
		SELECT sender_id, reaction FROM reactions
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reactions := make(map[string]string)
	for rows.Next() {
		var sender, reaction string
		if err := rows.Scan(&sender, &reaction); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions[sender] = reaction
	}
	return reactions, rows.Err()
}
