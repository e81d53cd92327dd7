package store

import (
	"encoding/json"
	"fmt"
)

// contentEnvelope is the JSON shape of the content column. Exactly one
// field is set, matching the row's type.
type contentEnvelope struct {
	Text     *TextContent     `json:"text,omitempty"`
	File     *FileContent     `json:"file,omitempty"`
	Edit     *EditContent     `json:"edit,omitempty"`
	Reaction *ReactionContent `json:"reaction,omitempty"`
	Delete   *DeleteContent   `json:"delete,omitempty"`
	Secret   *SecretContent   `json:"secret,omitempty"`
}

func encodeContent(u *Update) (string, error) {
	env := contentEnvelope{
		Text:     u.Text,
		File:     u.File,
		Edit:     u.Edit,
		Reaction: u.Reaction,
		Delete:   u.Delete,
		Secret:   u.Secret,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode update content: %w", err)
	}
	return string(data), nil
}

func decodeContent(u *Update, data string) error {
	var env contentEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("decode update content: %w", err)
	}
	u.Text = env.Text
	u.File = env.File
	u.Edit = env.Edit
	u.Reaction = env.Reaction
	u.Delete = env.Delete
	u.Secret = env.Secret
	return nil
}

// TargetID returns the update ID a mutation attaches to.
func (u *Update) TargetID() (int64, bool) {
	switch u.Type {
	case UpdateEdited:
		if u.Edit != nil {
			return u.Edit.MessageID, true
		}
	case UpdateReaction:
		if u.Reaction != nil {
			return u.Reaction.MessageID, true
		}
	case UpdateDeleted:
		if u.Delete != nil {
			return u.Delete.DeletedID, true
		}
	}
	return 0, false
}
