package store

import "time"

// UpdateType discriminates the content variant of an Update.
type UpdateType string

const (
	UpdateText     UpdateType = "text"
	UpdateEdited   UpdateType = "edited"
	UpdateFile     UpdateType = "file"
	UpdateReaction UpdateType = "reaction"
	UpdateDeleted  UpdateType = "deleted"
	UpdateSecret   UpdateType = "secret"
)

// IsMutation reports whether updates of this type attach to an earlier update
// rather than standing on their own.
func (t UpdateType) IsMutation() bool {
	return t == UpdateEdited || t == UpdateReaction || t == UpdateDeleted
}

// DeleteMode controls how a deletion tombstones local content.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// Update is one immutable log entry for a chat. UpdateID is assigned by the
// server, strictly increasing per chat; (ChatID, UpdateID) is unique and
// defines the total order of the chat's history.
//
// Exactly one content pointer is set, matching Type.
type Update struct {
	ChatID    string
	UpdateID  int64
	Type      UpdateType
	SenderID  string
	CreatedAt time.Time

	Text     *TextContent
	File     *FileContent
	Edit     *EditContent
	Reaction *ReactionContent
	Delete   *DeleteContent
	Secret   *SecretContent
}

// TextContent is the payload of a new text message.
type TextContent struct {
	Text    string `json:"text"`
	ReplyTo int64  `json:"reply_to,omitempty"`
}

// FileContent is the payload of a file message.
type FileContent struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	Mime    string `json:"mime,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// EditContent replaces the text of an earlier message.
type EditContent struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

// ReactionContent attaches a reaction to an earlier message, keyed by sender.
// An empty Reaction removes the sender's reaction.
type ReactionContent struct {
	MessageID int64  `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// DeleteContent marks an earlier message deleted.
type DeleteContent struct {
	DeletedID int64      `json:"deleted_id"`
	Mode      DeleteMode `json:"mode"`
}

// SecretContent is an opaque encrypted payload; the daemon stores it
// without interpreting it.
type SecretContent struct {
	Payload []byte `json:"payload"`
}

// Projection is the materialized, consumer-facing view of an original
// text/file/secret update after folding in all subsequent edits, reactions
// and deletion markers.
type Projection struct {
	ChatID    string
	UpdateID  int64
	Kind      UpdateType
	SenderID  string
	CreatedAt time.Time

	Text        string
	File        *FileContent
	Edited      *EditState
	Reactions   map[string]string // senderID -> reaction
	Deleted     bool
	DeletedMode DeleteMode
}

// EditState records the applied edit on a projection.
type EditState struct {
	Text       string
	ByUpdateID int64
	EditedAt   time.Time
}

// ChatType discriminates chat variants.
type ChatType string

const (
	ChatPersonal       ChatType = "personal"
	ChatGroup          ChatType = "group"
	ChatSecretPersonal ChatType = "secret_personal"
	ChatSecretGroup    ChatType = "secret_group"
)

// Chat is the locally stored chat entity.
type Chat struct {
	ChatID       string
	Type         ChatType
	Title        string
	CreatedAt    time.Time
	Blocked      bool
	ExpiresAt    *time.Time
	LastUpdateID int64
	Members      []string
}

// PendingMutation is a buffered mutation whose target has not arrived.
type PendingMutation struct {
	ChatID     string
	TargetID   int64
	UpdateID   int64
	Type       UpdateType
	BufferedAt time.Time
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ChatID         string
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerUpdateID int64
}
