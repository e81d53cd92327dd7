// Package daemon composes the running process: logger, bus, store, the
// connection to the server and the workers that keep the local log in step
// with it.
package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chatline/internal/bus"
	"github.com/chatline/internal/config"
	"github.com/chatline/internal/creds"
	"github.com/chatline/internal/lock"
	"github.com/chatline/internal/logging"
	"github.com/chatline/internal/outbox"
	"github.com/chatline/internal/rest"
	"github.com/chatline/internal/session"
	"github.com/chatline/internal/status"
	"github.com/chatline/internal/store"
	intsync "github.com/chatline/internal/sync"
	"github.com/chatline/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCreds,
			provideRestClient,
			provideConn,
			provideSyncEngine,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	db.SetPendingLimits(p.Config.Pending.MaxPerChat, p.Config.Pending.TTL())
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCreds(p Params) creds.Store {
	return creds.NewFileStore(session.TokenPath(p.SessionName))
}

func provideRestClient(p Params, cs creds.Store) *rest.Client {
	return rest.NewClient(p.Config.Server.BaseURL(), cs, nil, p.Config.Server.RequestTimeout())
}

func provideConn(p Params, cs creds.Store, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Conn {
	return transport.NewConn(transport.Config{
		URL:       p.Config.Server.WebSocketURL(),
		Heartbeat: p.Config.Server.Heartbeat(),
		Backoff:   backoffFromConfig(p.Config),
	}, cs, b, m, logger)
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, client *rest.Client, conn *transport.Conn, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, client, conn, intsync.Config{
		PageSize: int64(p.Config.Sync.RangePageSize),
		Backoff:  backoffFromConfig(p.Config),
	}, logger)
}

func provideSender(p Params, db *store.DB, client *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, p.Config.Outbox.PollInterval(), logger)
}

func backoffFromConfig(cfg *config.Config) transport.Backoff {
	return transport.Backoff{
		Initial:     cfg.Server.BackoffInitial(),
		Max:         cfg.Server.BackoffMax(),
		MaxAttempts: cfg.Server.MaxReconnects,
	}
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, conn *transport.Conn, engine *intsync.Engine, sender *outbox.Sender, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes before the connection can publish, so
			// the first conn.connected reconciliation is never missed.
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := conn.Run(context.Background()); err != nil {
					if errors.Is(err, transport.ErrAbandoned) {
						logger.Error("connection abandoned, daemon idle until restart")
						return
					}
					logger.Error("connection loop failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			conn.Disconnect()
			sender.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("releasing session lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
