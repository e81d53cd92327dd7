package wire

import (
	"time"

	"github.com/chatline/internal/store"
)

// Event is a typed domain event decoded from one inbound frame.
type Event interface {
	event()
}

// UpdateEvent carries one entry of a chat's update log.
type UpdateEvent struct {
	Update store.Update
}

// ChatCreatedEvent announces a new chat the session participates in.
type ChatCreatedEvent struct {
	Chat store.Chat
}

// ChatDeletedEvent announces a chat removal.
type ChatDeletedEvent struct {
	ChatID string
}

// ChatBlockedEvent announces a block or unblock of a chat.
type ChatBlockedEvent struct {
	ChatID  string
	Blocked bool
}

// ChatExpirationEvent sets or clears a chat's expiration instant.
type ChatExpirationEvent struct {
	ChatID    string
	ExpiresAt *time.Time
}

// GroupInfoEvent carries an updated group title.
type GroupInfoEvent struct {
	ChatID string
	Title  string
}

// GroupMembersEvent carries a member change. Added is false for removals.
type GroupMembersEvent struct {
	ChatID  string
	UserIDs []string
	Added   bool
}

func (UpdateEvent) event()         {}
func (ChatCreatedEvent) event()    {}
func (ChatDeletedEvent) event()    {}
func (ChatBlockedEvent) event()    {}
func (ChatExpirationEvent) event() {}
func (GroupInfoEvent) event()      {}
func (GroupMembersEvent) event()   {}
