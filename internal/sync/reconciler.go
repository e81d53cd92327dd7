package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/chatline/internal/wire"
)

// reconcile runs after each successful connect: fetch the chat list with
// the server's head update ID per chat, store chat metadata, and schedule
// a catch-up for every chat whose local log is behind. Expired pending
// mutations are pruned on the same occasion.
func (e *Engine) reconcile(ctx context.Context, epoch int64) {
	chats, err := e.fetch.ListChats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("chat list reconciliation failed", zap.Error(err))
		}
		return
	}
	if e.epochs.Epoch() != epoch {
		e.logger.Debug("discarding stale chat list", zap.Int64("fetched_epoch", epoch))
		return
	}

	behind := 0
	for _, c := range chats {
		head := c.LastUpdateID
		// The chats table tracks the locally applied head; the server's
		// head must not be written there or gap detection goes blind.
		c.LastUpdateID = 0
		if err := e.db.UpsertChat(&c); err != nil {
			e.logger.Error("storing chat failed",
				zap.String("chat_id", c.ChatID), zap.Error(err))
			continue
		}

		local, _, err := e.db.LastUpdateID(c.ChatID)
		if err != nil {
			e.logger.Error("reading local head failed",
				zap.String("chat_id", c.ChatID), zap.Error(err))
			continue
		}
		if head > local {
			behind++
			e.enqueue(ctx, c.ChatID, chatTask{head: head})
		}
	}
	e.logger.Info("reconciliation scheduled",
		zap.Int("chats", len(chats)),
		zap.Int("behind", behind))

	if pruned, err := e.db.PrunePending(); err != nil {
		e.logger.Error("pruning pending mutations failed", zap.Error(err))
	} else if pruned > 0 {
		e.logger.Info("pruned expired pending mutations", zap.Int64("count", pruned))
	}
}

// handleChatEvent applies a chat lifecycle frame. These carry no sequence
// number; last write wins.
func (e *Engine) handleChatEvent(we wire.Event) {
	var err error
	switch ev := we.(type) {
	case wire.ChatCreatedEvent:
		c := ev.Chat
		if err = e.db.UpsertChat(&c); err == nil {
			e.publish("chat.created", c)
		}
	case wire.ChatDeletedEvent:
		if err = e.db.DeleteChat(ev.ChatID); err == nil {
			e.publish("chat.deleted", ev.ChatID)
		}
	case wire.ChatBlockedEvent:
		if err = e.db.SetChatBlocked(ev.ChatID, ev.Blocked); err == nil {
			if ev.Blocked {
				e.publish("chat.blocked", ev.ChatID)
			} else {
				e.publish("chat.unblocked", ev.ChatID)
			}
		}
	case wire.ChatExpirationEvent:
		if err = e.db.SetChatExpiration(ev.ChatID, ev.ExpiresAt); err == nil {
			e.publish("chat.expiration_set", ev)
		}
	case wire.GroupInfoEvent:
		if err = e.db.UpdateGroupInfo(ev.ChatID, ev.Title); err == nil {
			e.publish("chat.group_info", ev)
		}
	case wire.GroupMembersEvent:
		if ev.Added {
			err = e.db.AddMembers(ev.ChatID, ev.UserIDs)
		} else {
			err = e.db.RemoveMembers(ev.ChatID, ev.UserIDs)
		}
		if err == nil {
			e.publish("chat.members_changed", ev)
		}
	default:
		return
	}
	if err != nil {
		e.logger.Error("chat event failed", zap.Error(err))
	}
}
