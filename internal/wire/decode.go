// Package wire decodes inbound frames into typed domain events. A frame is
// a JSON envelope {type, data}; "update" frames carry a second-level type
// discriminant for the content variant. Malformed frames produce a
// *DecodeError and are dropped by the caller; decoding never panics the
// receive loop.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/chatline/internal/store"
)

// Outer envelope discriminants.
const (
	kindUpdate              = "update"
	kindChatCreated         = "chat_created"
	kindChatDeleted         = "chat_deleted"
	kindChatBlocked         = "chat_blocked"
	kindChatUnblocked       = "chat_unblocked"
	kindChatExpirationSet   = "chat_expiration_set"
	kindGroupInfoUpdate     = "group_info_update"
	kindGroupMembersAdded   = "group_members_added"
	kindGroupMembersRemoved = "group_members_removed"
)

// Nested update content discriminants.
const (
	contentText     = "text_message"
	contentEdited   = "text_message_edited"
	contentFile     = "file_message"
	contentReaction = "reaction"
	contentDeleted  = "update_deleted"
	contentSecret   = "secret"
)

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Kind   string // envelope or content discriminant, if known
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode frame: %s", e.Reason)
	}
	return fmt.Sprintf("decode %q frame: %s", e.Kind, e.Reason)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireUpdate struct {
	ChatID    string          `json:"chat_id"`
	UpdateID  int64           `json:"update_id"`
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id"`
	CreatedAt float64         `json:"created_at"`
	Content   json.RawMessage `json:"content"`
}

type wireChat struct {
	ChatID    string   `json:"chat_id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Members   []string `json:"members"`
	CreatedAt float64  `json:"created_at"`
}

type wireChatRef struct {
	ChatID string `json:"chat_id"`
}

type wireExpiration struct {
	ChatID    string   `json:"chat_id"`
	ExpiresAt *float64 `json:"expires_at"`
}

type wireGroupInfo struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

type wireMembers struct {
	ChatID  string   `json:"chat_id"`
	UserIDs []string `json:"user_ids"`
}

// Decode parses one inbound text frame into a typed event.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing type discriminant"}
	}
	if len(env.Data) == 0 {
		return nil, &DecodeError{Kind: env.Type, Reason: "missing data"}
	}

	switch env.Type {
	case kindUpdate:
		return decodeUpdate(env.Data)

	case kindChatCreated:
		var wc wireChat
		if err := json.Unmarshal(env.Data, &wc); err != nil {
			return nil, &DecodeError{Kind: env.Type, Reason: err.Error()}
		}
		if wc.ChatID == "" {
			return nil, &DecodeError{Kind: env.Type, Reason: "missing chat_id"}
		}
		chatType := store.ChatType(wc.Type)
		switch chatType {
		case store.ChatPersonal, store.ChatGroup, store.ChatSecretPersonal, store.ChatSecretGroup:
		case "":
			chatType = store.ChatPersonal
		default:
			return nil, &DecodeError{Kind: env.Type, Reason: fmt.Sprintf("unknown chat type %q", wc.Type)}
		}
		return ChatCreatedEvent{Chat: store.Chat{
			ChatID:    wc.ChatID,
			Type:      chatType,
			Title:     wc.Title,
			Members:   wc.Members,
			CreatedAt: epochToTime(wc.CreatedAt),
		}}, nil

	case kindChatDeleted:
		ref, err := decodeChatRef(env.Type, env.Data)
		if err != nil {
			return nil, err
		}
		return ChatDeletedEvent{ChatID: ref}, nil

	case kindChatBlocked, kindChatUnblocked:
		ref, err := decodeChatRef(env.Type, env.Data)
		if err != nil {
			return nil, err
		}
		return ChatBlockedEvent{ChatID: ref, Blocked: env.Type == kindChatBlocked}, nil

	case kindChatExpirationSet:
		var we wireExpiration
		if err := json.Unmarshal(env.Data, &we); err != nil {
			return nil, &DecodeError{Kind: env.Type, Reason: err.Error()}
		}
		if we.ChatID == "" {
			return nil, &DecodeError{Kind: env.Type, Reason: "missing chat_id"}
		}
		evt := ChatExpirationEvent{ChatID: we.ChatID}
		if we.ExpiresAt != nil && *we.ExpiresAt > 0 {
			t := epochToTime(*we.ExpiresAt)
			evt.ExpiresAt = &t
		}
		return evt, nil

	case kindGroupInfoUpdate:
		var wg wireGroupInfo
		if err := json.Unmarshal(env.Data, &wg); err != nil {
			return nil, &DecodeError{Kind: env.Type, Reason: err.Error()}
		}
		if wg.ChatID == "" {
			return nil, &DecodeError{Kind: env.Type, Reason: "missing chat_id"}
		}
		return GroupInfoEvent{ChatID: wg.ChatID, Title: wg.Title}, nil

	case kindGroupMembersAdded, kindGroupMembersRemoved:
		var wm wireMembers
		if err := json.Unmarshal(env.Data, &wm); err != nil {
			return nil, &DecodeError{Kind: env.Type, Reason: err.Error()}
		}
		if wm.ChatID == "" {
			return nil, &DecodeError{Kind: env.Type, Reason: "missing chat_id"}
		}
		if len(wm.UserIDs) == 0 {
			return nil, &DecodeError{Kind: env.Type, Reason: "missing user_ids"}
		}
		return GroupMembersEvent{
			ChatID:  wm.ChatID,
			UserIDs: wm.UserIDs,
			Added:   env.Type == kindGroupMembersAdded,
		}, nil

	default:
		return nil, &DecodeError{Kind: env.Type, Reason: "unknown frame type"}
	}
}

func decodeChatRef(kind string, data json.RawMessage) (string, error) {
	var ref wireChatRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", &DecodeError{Kind: kind, Reason: err.Error()}
	}
	if ref.ChatID == "" {
		return "", &DecodeError{Kind: kind, Reason: "missing chat_id"}
	}
	return ref.ChatID, nil
}

func decodeUpdate(data json.RawMessage) (Event, error) {
	var wu wireUpdate
	if err := json.Unmarshal(data, &wu); err != nil {
		return nil, &DecodeError{Kind: kindUpdate, Reason: err.Error()}
	}
	if wu.ChatID == "" {
		return nil, &DecodeError{Kind: kindUpdate, Reason: "missing chat_id"}
	}
	if wu.UpdateID <= 0 {
		return nil, &DecodeError{Kind: kindUpdate, Reason: "missing update_id"}
	}
	if len(wu.Content) == 0 {
		return nil, &DecodeError{Kind: wu.Type, Reason: "missing content"}
	}

	u := store.Update{
		ChatID:    wu.ChatID,
		UpdateID:  wu.UpdateID,
		SenderID:  wu.SenderID,
		CreatedAt: epochToTime(wu.CreatedAt),
	}

	switch wu.Type {
	case contentText:
		u.Type = store.UpdateText
		var c store.TextContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		u.Text = &c

	case contentEdited:
		u.Type = store.UpdateEdited
		var c store.EditContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		if c.MessageID <= 0 {
			return nil, &DecodeError{Kind: wu.Type, Reason: "missing message_id"}
		}
		u.Edit = &c

	case contentFile:
		u.Type = store.UpdateFile
		var c store.FileContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		if c.URL == "" {
			return nil, &DecodeError{Kind: wu.Type, Reason: "missing url"}
		}
		u.File = &c

	case contentReaction:
		u.Type = store.UpdateReaction
		var c store.ReactionContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		if c.MessageID <= 0 {
			return nil, &DecodeError{Kind: wu.Type, Reason: "missing message_id"}
		}
		u.Reaction = &c

	case contentDeleted:
		u.Type = store.UpdateDeleted
		var c store.DeleteContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		if c.DeletedID <= 0 {
			return nil, &DecodeError{Kind: wu.Type, Reason: "missing deleted_id"}
		}
		switch c.Mode {
		case store.DeleteSoft, store.DeleteHard:
		case "":
			c.Mode = store.DeleteSoft
		default:
			return nil, &DecodeError{Kind: wu.Type, Reason: fmt.Sprintf("unknown delete mode %q", c.Mode)}
		}
		u.Delete = &c

	case contentSecret:
		u.Type = store.UpdateSecret
		var c store.SecretContent
		if err := json.Unmarshal(wu.Content, &c); err != nil {
			return nil, &DecodeError{Kind: wu.Type, Reason: err.Error()}
		}
		u.Secret = &c

	case "":
		return nil, &DecodeError{Kind: kindUpdate, Reason: "missing content type discriminant"}
	default:
		return nil, &DecodeError{Kind: wu.Type, Reason: "unknown update content type"}
	}

	return UpdateEvent{Update: u}, nil
}

// DecodeUpdateRecord parses one update object. Range-fetch responses use
// the same shape as the data of an "update" frame.
func DecodeUpdateRecord(data []byte) (store.Update, error) {
	evt, err := decodeUpdate(data)
	if err != nil {
		return store.Update{}, err
	}
	return evt.(UpdateEvent).Update, nil
}

// epochToTime converts Unix epoch seconds (with fraction) to an instant.
func epochToTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
