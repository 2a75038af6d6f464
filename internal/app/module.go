// Package app is the composition root: it wires the transport, connection
// manager, caches, REST client, optional archive and relay, and the chat
// facade into one fx module with a managed lifecycle.
package app

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/amoro/chatcore/internal/backoff"
	"github.com/amoro/chatcore/internal/bus"
	"github.com/amoro/chatcore/internal/cache"
	"github.com/amoro/chatcore/internal/chat"
	"github.com/amoro/chatcore/internal/config"
	"github.com/amoro/chatcore/internal/conn"
	"github.com/amoro/chatcore/internal/dedup"
	"github.com/amoro/chatcore/internal/lock"
	"github.com/amoro/chatcore/internal/logging"
	"github.com/amoro/chatcore/internal/pending"
	"github.com/amoro/chatcore/internal/relay"
	"github.com/amoro/chatcore/internal/rest"
	"github.com/amoro/chatcore/internal/store"
	"github.com/amoro/chatcore/internal/transport"
)

// Params holds what the embedding application must supply: the loaded
// configuration and a token source reflecting the current auth state.
type Params struct {
	Config *config.Config
	Token  func() string
}

// Module returns the fx module for the chat client, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatcore",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideTracker,
			providePolicy,
			provideMessageCache,
			provideConversationCache,
			providePendingQueue,
			provideTransport,
			provideManager,
			provideREST,
			provideArchiveLock,
			provideStore,
			provideRelay,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.Log.Path, "chatcore")
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideTracker() *dedup.Tracker {
	return dedup.New(dedup.DefaultWindow)
}

func providePolicy(p Params) *backoff.Policy {
	b := p.Config.Backoff
	return backoff.New(b.Initial.Std(), b.Max.Std(), b.Growth, b.Jitter)
}

func provideMessageCache(p Params, logger *zap.Logger) *cache.Messages {
	return cache.NewMessages(p.Config.Cache.Conversations, logger)
}

func provideConversationCache() *cache.Conversations {
	return cache.NewConversations()
}

func providePendingQueue(p Params, logger *zap.Logger) *pending.Queue {
	q := p.Config.Pending
	return pending.New(logger,
		pending.WithCapacity(q.Capacity),
		pending.WithMaxAge(q.MaxAge.Std()),
		pending.WithStagger(q.Stagger.Std()),
	)
}

func provideTransport(p Params, logger *zap.Logger) transport.Transport {
	return transport.NewWebSocket(p.Config.API.SocketURL, p.Token, logger)
}

func provideManager(t transport.Transport, b *bus.Bus, tracker *dedup.Tracker, policy *backoff.Policy, p Params, logger *zap.Logger) *conn.Manager {
	cfg := conn.DefaultConfig()
	cfg.MaxAttempts = p.Config.Backoff.MaxAttempts
	cfg.HeartbeatInterval = p.Config.Timeouts.HeartbeatInterval.Std()
	cfg.HeartbeatTimeout = p.Config.Timeouts.HeartbeatTimeout.Std()
	return conn.NewManager(t, b, tracker, policy, cfg, logger)
}

func provideREST(p Params, logger *zap.Logger) *rest.Client {
	return rest.New(p.Config.API.BaseURL, p.Token, logger)
}

func provideArchiveLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if !p.Config.Store.Enabled {
		return nil, nil
	}
	l, err := lock.Acquire(filepath.Dir(p.Config.Store.Path))
	if err != nil {
		return nil, err
	}
	logger.Info("archive lock acquired", zap.String("dir", filepath.Dir(p.Config.Store.Path)))
	return l, nil
}

// The lock dependency orders archive opening after lock acquisition.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	if !p.Config.Store.Enabled {
		return nil, nil
	}
	db, err := store.Open(p.Config.Store.Path)
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
	logger.Info("archive initialized", zap.String("path", p.Config.Store.Path))
	return db, nil
}

func provideRelay(p Params, b *bus.Bus, logger *zap.Logger) (*relay.Relay, error) {
	if p.Config.Relay.RedisAddr == "" {
		return nil, nil
	}
	return relay.New(p.Config.Relay.RedisAddr, p.Config.Relay.Prefix, b, logger)
}

func provideService(m *conn.Manager, client *rest.Client, b *bus.Bus, msgs *cache.Messages, convs *cache.Conversations, q *pending.Queue, tracker *dedup.Tracker, db *store.DB, p Params, logger *zap.Logger) *chat.Service {
	cfg := chat.DefaultConfig()
	cfg.SendAckTimeout = p.Config.Timeouts.SendAck.Std()
	cfg.FetchTimeout = p.Config.Timeouts.Fetch.Std()
	cfg.InitTimeout = p.Config.Timeouts.Init.Std()
	cfg.FreshTTL = p.Config.Cache.FreshTTL.Std()

	// A disabled archive must be a nil interface, not a typed nil pointer.
	var archive chat.Archive
	if db != nil {
		archive = db
	}
	return chat.NewService(m, client, b, msgs, convs, q, tracker, archive, cfg, logger)
}

func registerLifecycle(lc fx.Lifecycle, svc *chat.Service, rly *relay.Relay, db *store.DB, lk *lock.Lock, b *bus.Bus, tracker *dedup.Tracker, logger *zap.Logger) {
	if rly != nil {
		// The relay follows the session: it needs the user id, which is
		// only known once a session is established.
		b.Subscribe(conn.EventEstablished, func(payload any) {
			if s, ok := payload.(conn.Session); ok {
				rly.Start(s.UserID)
			}
		})
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("chat client ready")
			return nil
		},
		OnStop: func(_ context.Context) error {
			svc.Close()
			if rly != nil {
				rly.Stop()
			}
			tracker.Stop()
			if db != nil {
				if err := db.Close(); err != nil {
					logger.Warn("error closing archive", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing archive lock", zap.Error(err))
			}
			logger.Info("chat client stopped")
			return nil
		},
	})
}
