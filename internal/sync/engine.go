// Package sync reconciles the live push stream with the local update log.
// It applies in-order pushes directly, detects sequence gaps and closes them
// with range fetches, and brings chats that fell behind up to the server
// head after each reconnect.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatline/internal/bus"
	"github.com/chatline/internal/store"
	"github.com/chatline/internal/transport"
	"github.com/chatline/internal/wire"
)

// Fetcher is the request/response side of the server API used to close
// gaps. *rest.Client satisfies it.
type Fetcher interface {
	FetchRange(ctx context.Context, chatID string, from, to int64) ([]store.Update, error)
	ListChats(ctx context.Context) ([]store.Chat, error)
}

// EpochSource reports the current connection epoch. *transport.Conn
// satisfies it.
type EpochSource interface {
	Epoch() int64
}

// Config tunes the engine.
type Config struct {
	// PageSize bounds how many updates one range fetch may cover.
	PageSize int64
	// Backoff is the retry policy for failed range fetches. The same
	// values the transport uses for reconnects.
	Backoff transport.Backoff
}

// Engine subscribes to decoded frames and connection events on the bus and
// drives them into the store. Application is serialized per chat; chats
// never block each other.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	fetch  Fetcher
	epochs EpochSource
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]chan chatTask

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// chatTask is one unit of per-chat work: either a pushed update or a
// catch-up target discovered during reconciliation.
type chatTask struct {
	push *store.Update
	head int64
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, b *bus.Bus, fetch Fetcher, epochs EpochSource, cfg Config, logger *zap.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Engine{
		db:      db,
		bus:     b,
		fetch:   fetch,
		epochs:  epochs,
		cfg:     cfg,
		logger:  logger,
		workers: make(map[string]chan chatTask),
	}
}

// Start subscribes to inbound frames and connection events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	wireCh, unsubWire := e.bus.Subscribe("wire.", 256)
	connCh, unsubConn := e.bus.Subscribe("conn.connected", 8)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubWire()
		defer unsubConn()
		for {
			select {
			case evt := <-wireCh:
				e.handleEvent(ctx, evt)
			case evt := <-connCh:
				epoch, ok := evt.Payload.(int64)
				if !ok {
					continue
				}
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					e.reconcile(ctx, epoch)
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event loop and waits for per-chat workers to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	we, ok := evt.Payload.(wire.Event)
	if !ok {
		return
	}
	switch ev := we.(type) {
	case wire.UpdateEvent:
		u := ev.Update
		e.enqueue(ctx, u.ChatID, chatTask{push: &u})
	default:
		// Chat lifecycle events carry no sequence number and bypass
		// per-chat ordering.
		e.handleChatEvent(we)
	}
}

// enqueue hands a task to the chat's worker, starting the worker on first
// use. Tasks for one chat are processed strictly in arrival order, so a
// push that lands while a catch-up is running waits behind it.
func (e *Engine) enqueue(ctx context.Context, chatID string, t chatTask) {
	e.mu.Lock()
	ch, ok := e.workers[chatID]
	if !ok {
		ch = make(chan chatTask, 64)
		e.workers[chatID] = ch
		e.wg.Add(1)
		go e.runWorker(ctx, chatID, ch)
	}
	e.mu.Unlock()

	select {
	case ch <- t:
	case <-ctx.Done():
	}
}

func (e *Engine) runWorker(ctx context.Context, chatID string, ch chan chatTask) {
	defer e.wg.Done()
	for {
		select {
		case t := <-ch:
			var err error
			if t.push != nil {
				err = e.handlePush(ctx, *t.push)
			} else {
				err = e.catchUpTo(ctx, chatID, t.head)
			}
			if err != nil && !errors.Is(err, errStaleEpoch) && ctx.Err() == nil {
				e.logger.Error("sync failed",
					zap.String("chat_id", chatID),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// handlePush applies one pushed update, closing the gap before it first
// when the push is ahead of the local log.
func (e *Engine) handlePush(ctx context.Context, u store.Update) error {
	last, ok, err := e.db.LastUpdateID(u.ChatID)
	if err != nil {
		return fmt.Errorf("reading local head: %w", err)
	}

	switch {
	case !ok:
		// First update ever seen for this chat. Not a gap: older history
		// is backfilled by reconciliation on connect, not the push path.
		return e.applyOne(&u)
	case u.UpdateID <= last:
		// Duplicate delivery; Append dedups it.
		return e.applyOne(&u)
	case u.UpdateID == last+1:
		return e.applyOne(&u)
	default:
		epoch := e.epochs.Epoch()
		e.logger.Info("gap detected",
			zap.String("chat_id", u.ChatID),
			zap.Int64("local", last),
			zap.Int64("pushed", u.UpdateID))
		if err := e.fetchAndApply(ctx, u.ChatID, last+1, u.UpdateID-1, epoch); err != nil {
			// The push rode on the dead connection too; the next connect
			// reconciles this chat from scratch.
			return err
		}
		return e.applyOne(&u)
	}
}

// catchUpTo advances the chat's local log to the given server head.
func (e *Engine) catchUpTo(ctx context.Context, chatID string, head int64) error {
	last, _, err := e.db.LastUpdateID(chatID)
	if err != nil {
		return fmt.Errorf("reading local head: %w", err)
	}
	if head <= last {
		return nil
	}
	return e.fetchAndApply(ctx, chatID, last+1, head, e.epochs.Epoch())
}

// errStaleEpoch marks a range response that arrived after the connection
// it was fetched for went away. Nothing from it may touch the store.
var errStaleEpoch = errors.New("connection epoch changed during fetch")

// fetchAndApply range-fetches [from, to] in pages and applies the results
// ascending. A response from a stale epoch is discarded without touching
// the store.
func (e *Engine) fetchAndApply(ctx context.Context, chatID string, from, to, epoch int64) error {
	for from <= to {
		pageTo := from + e.cfg.PageSize - 1
		if pageTo > to {
			pageTo = to
		}

		updates, err := e.fetchPage(ctx, chatID, from, pageTo)
		if err != nil {
			return err
		}
		if cur := e.epochs.Epoch(); cur != epoch {
			e.logger.Debug("discarding stale range response",
				zap.String("chat_id", chatID),
				zap.Int64("fetched_epoch", epoch),
				zap.Int64("current_epoch", cur))
			return errStaleEpoch
		}
		for i := range updates {
			if err := e.applyOne(&updates[i]); err != nil {
				return err
			}
		}
		from = pageTo + 1
	}
	return nil
}

// fetchPage retries one range fetch with the transport's backoff policy.
func (e *Engine) fetchPage(ctx context.Context, chatID string, from, to int64) ([]store.Update, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		updates, err := e.fetch.FetchRange(ctx, chatID, from, to)
		if err == nil {
			return updates, nil
		}
		lastErr = err
		if attempt >= e.cfg.Backoff.MaxAttempts {
			return nil, fmt.Errorf("range fetch [%d,%d] exhausted retries: %w", from, to, lastErr)
		}
		e.logger.Warn("range fetch failed, retrying",
			zap.String("chat_id", chatID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(e.cfg.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// applyOne appends one update and, if it is a mutation that was newly
// inserted, folds it into its target projection. Republishes the result.
func (e *Engine) applyOne(u *store.Update) error {
	inserted, err := e.db.AppendUpdate(u)
	if err != nil {
		return fmt.Errorf("appending update %d: %w", u.UpdateID, err)
	}
	if !inserted {
		return nil
	}

	if u.Type.IsMutation() {
		outcome, err := e.db.ApplyMutation(u)
		if err != nil {
			return fmt.Errorf("applying mutation %d: %w", u.UpdateID, err)
		}
		if outcome == store.MutationDropped {
			e.logger.Warn("mutation dropped, target hard-deleted",
				zap.String("chat_id", u.ChatID),
				zap.Int64("update_id", u.UpdateID))
			return nil
		}
		e.publish("update.mutated", *u)
		return nil
	}

	e.publish("update.applied", *u)
	return nil
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
