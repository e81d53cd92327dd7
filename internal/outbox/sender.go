// Package outbox queues outgoing messages locally and drains them to the
// server in the background. The server's echo of a sent message comes back
// as a regular pushed update and lands in the log through the sync engine.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatline/internal/bus"
	"github.com/chatline/internal/store"
)

// TextSender posts one text message and returns the server-assigned
// update ID. *rest.Client satisfies it.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) (int64, error)
}

// Sender drains the outbox table through the server API.
type Sender struct {
	db       *store.DB
	sender   TextSender
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender polling at the given interval.
func NewSender(db *store.DB, sender TextSender, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:       db,
		sender:   sender,
		bus:      b,
		interval: interval,
		logger:   logger,
	}
}

// QueueText stores an outgoing message and publishes it immediately so the
// consumer can render it before the server acknowledges. Returns the
// client-side message ID.
func (s *Sender) QueueText(chatID, text string) (string, error) {
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, chatID, text); err != nil {
		return "", err
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.queued",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID, "client_msg_id": clientMsgID},
	})
	return clientMsgID, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverUpdateID, err := s.sender.SendText(ctx, entry.ChatID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      "message.send_failed",
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverUpdateID); err != nil {
			s.logger.Error("failed to mark sent",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.Int64("server_update_id", serverUpdateID))
		s.bus.Publish(bus.Event{
			Kind:      "message.send_ack",
			Timestamp: time.Now(),
			Payload: map[string]any{
				"client_msg_id":    entry.ClientMsgID,
				"server_update_id": serverUpdateID,
			},
		})
	}
}
