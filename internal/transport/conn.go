// Package transport maintains the persistent duplex connection to the
// messaging service: dialing, keepalive, the receive loop, and the
// reconnect/backoff policy. Decoded frames are published on the bus; the
// synchronizer consumes them independently.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatline/internal/bus"
	"github.com/chatline/internal/creds"
	"github.com/chatline/internal/status"
	"github.com/chatline/internal/wire"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ErrAbandoned is returned by Run after MaxAttempts consecutive reconnect
// failures. The caller decides whether to give up or call Run again.
var ErrAbandoned = errors.New("connection abandoned: reconnect attempts exhausted")

// wsConn is the subset of *websocket.Conn the manager uses. Tests inject
// fakes through DialFunc.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens an authenticated connection to the given URL.
type DialFunc func(ctx context.Context, url, token string) (wsConn, error)

func defaultDial(ctx context.Context, url, token string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	return conn, nil
}

// Config holds the connection parameters.
type Config struct {
	URL       string
	Heartbeat time.Duration
	Backoff   Backoff
	Dial      DialFunc // nil = real websocket dial
}

// Conn manages one connection to the server. Construct with NewConn; it is
// an owned instance, not a singleton, so tests can run several side by side.
type Conn struct {
	cfg     Config
	creds   creds.Store
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	// epoch increments on every successful connect and on Disconnect.
	// Catch-up fetches are tagged with it so a stale response from a
	// previous connection generation cannot apply after a re-sync.
	epoch atomic.Int64

	mu         sync.Mutex
	connCancel context.CancelFunc
	stopped    bool
	stopCh     chan struct{}
}

// inboundFrame is what the reader goroutine hands to the receive loop.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// NewConn creates a connection manager. It does not dial until Run.
func NewConn(cfg Config, cs creds.Store, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Conn {
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Conn{
		cfg:     cfg,
		creds:   cs,
		bus:     b,
		machine: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Epoch returns the current connection generation.
func (c *Conn) Epoch() int64 {
	return c.epoch.Load()
}

// Run connects and services the connection until the context is cancelled,
// Disconnect is called, or reconnect attempts are exhausted (ErrAbandoned).
// Being logged out is not an error: Run logs and returns nil.
func (c *Conn) Run(ctx context.Context) error {
	attempt := 0
	for {
		token, ok := c.creds.AccessToken()
		if !ok {
			// Logged out. Nothing to connect with; the caller restarts
			// Run once credentials appear.
			c.logger.Info("no credentials, staying disconnected")
			return nil
		}

		if err := c.machine.Transition(status.Connecting); err != nil {
			c.logger.Warn("connect skipped", zap.Error(err))
			return nil
		}

		ws, err := c.cfg.Dial(ctx, c.cfg.URL, token)
		if err == nil {
			epoch := c.epoch.Add(1)
			_ = c.machine.Transition(status.Connected)
			attempt = 0
			c.bus.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now(), Payload: epoch})
			c.logger.Info("connected", zap.Int64("epoch", epoch))

			err = c.serve(ctx, ws)
			if c.isStopped() {
				_ = c.machine.Transition(status.Disconnected)
				return nil
			}
			if ctx.Err() != nil {
				_ = c.machine.Transition(status.Disconnected)
				return ctx.Err()
			}
			c.logger.Warn("connection lost", zap.Error(err))
		} else {
			c.logger.Warn("connect failed", zap.Error(err))
			if ctx.Err() != nil {
				_ = c.machine.Transition(status.Disconnected)
				return ctx.Err()
			}
		}

		if err := c.machine.Transition(status.Reconnecting); err != nil {
			// Already reconnecting or stopped elsewhere; one attempt in
			// flight at a time.
			return nil
		}

		if attempt >= c.cfg.Backoff.MaxAttempts {
			_ = c.machine.Transition(status.Abandoned)
			c.bus.Publish(bus.Event{Kind: "conn.abandoned", Timestamp: time.Now()})
			c.logger.Error("reconnect attempts exhausted",
				zap.Int("attempts", attempt))
			return ErrAbandoned
		}

		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = c.machine.Transition(status.Disconnected)
			return ctx.Err()
		case <-c.stopCh:
			timer.Stop()
			_ = c.machine.Transition(status.Disconnected)
			return nil
		case <-timer.C:
		}
	}
}

// serve owns one live connection: a reader goroutine feeds frames into the
// receive loop, which decodes and publishes them; a heartbeat ticker keeps
// the connection alive. Returns on read error, ping failure, or stop.
func (c *Conn) serve(ctx context.Context, ws wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.connCancel = cancel
	c.mu.Unlock()

	frames := make(chan inboundFrame, 64)
	go func() {
		for {
			typ, data, err := ws.Read(connCtx)
			select {
			case frames <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame := <-frames:
			if frame.err != nil {
				_ = ws.Close(websocket.StatusGoingAway, "read failed")
				return fmt.Errorf("read frame: %w", frame.err)
			}
			c.handleFrame(frame)

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, c.cfg.Heartbeat)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				_ = ws.Close(websocket.StatusGoingAway, "keepalive failed")
				return fmt.Errorf("keepalive: %w", err)
			}

		case <-c.stopCh:
			_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil

		case <-connCtx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "context cancelled")
			return connCtx.Err()
		}
	}
}

func (c *Conn) handleFrame(frame inboundFrame) {
	if frame.typ == websocket.MessageBinary {
		c.logger.Debug("dropping binary frame", zap.Int("bytes", len(frame.data)))
		return
	}
	evt, err := wire.Decode(frame.data)
	if err != nil {
		// Malformed frames never kill the receive loop.
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "wire.event",
		Timestamp: time.Now(),
		Payload:   evt,
	})
}

// Disconnect cancels any pending reconnect and closes the connection. It
// invalidates the epoch so in-flight catch-up responses are discarded, and
// it disables further auto-reconnection.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	cancel := c.connCancel
	c.mu.Unlock()

	c.epoch.Add(1)
	if cancel != nil {
		cancel()
	}
	c.logger.Info("disconnect requested")
}

func (c *Conn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
