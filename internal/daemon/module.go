package daemon

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/channel"
	"github.com/parley-im/parley/internal/chat"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/conversations"
	"github.com/parley-im/parley/internal/lock"
	"github.com/parley-im/parley/internal/logging"
	"github.com/parley-im/parley/internal/mirror"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/session"
	"github.com/parley-im/parley/internal/status"
	"github.com/parley-im/parley/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideRESTClient,
			provideChannel,
			providePresence,
			provideLifecycleTracker,
			providePager,
			provideTyping,
			provideConversations,
			provideCallController,
			provideMirror,
			NewAuthenticator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
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
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

// provideCredentials loads the cached credential. A missing file is not
// an error here: the daemon starts in AuthRequired and waits for a
// login.
func provideCredentials(p Params, logger *zap.Logger) (*session.Credentials, error) {
	creds, err := session.LoadCredentials(p.SessionName)
	if errors.Is(err, session.ErrNoCredentials) {
		logger.Info("no cached credentials, login required")
		return &session.Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func provideRESTClient(cfg *config.Config, creds *session.Credentials, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIBaseURL, creds.AuthToken, logger)
}

func provideChannel(cfg *config.Config, creds *session.Credentials, machine *status.Machine, logger *zap.Logger) *channel.Channel {
	return channel.New(cfg.ServerURL, creds.AuthToken, logger, machine)
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger)
}

// Identity and token are handed to components as accessors, never as
// captured values: a fresh login fills the shared credential after these
// constructors have already run.
func provideLifecycleTracker(creds *session.Credentials, ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *chat.Lifecycle {
	return chat.NewLifecycle(creds.SelfID, ch, b, logger)
}

func providePager(client *rest.Client, life *chat.Lifecycle, cfg *config.Config) *chat.Pager {
	return chat.NewPager(client, life, cfg.PageSize)
}

func provideTyping(creds *session.Credentials, cfg *config.Config, ch *channel.Channel, b *bus.Bus) *chat.Typing {
	return chat.NewTyping(creds.SelfID, cfg.TypingStop(), ch, b)
}

func provideConversations(client *rest.Client, ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *conversations.Store {
	return conversations.NewStore(client, ch, b, logger)
}

func provideCallController(creds *session.Credentials, cfg *config.Config, ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *call.Controller {
	ice := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{u}})
	}
	self := func() call.PeerInfo {
		return call.PeerInfo{ID: creds.SelfID(), Username: creds.DisplayName()}
	}
	return call.NewController(self, ice, ch, b, logger, nil, nil)
}

func provideMirror(db *store.DB, b *bus.Bus, logger *zap.Logger) *mirror.Engine {
	return mirror.NewEngine(db, b, logger)
}

// registerLifecycle wires start/stop ordering. Front-end surfaces with
// no hook of their own (pager, authenticator) are injected here so fx
// constructs them with the rest of the graph.
func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	creds *session.Credentials,
	ch *channel.Channel,
	tracker *presence.Tracker,
	life *chat.Lifecycle,
	typing *chat.Typing,
	convs *conversations.Store,
	pager *chat.Pager,
	calls *call.Controller,
	engine *mirror.Engine,
	auth *Authenticator,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())

			tracker.Attach(ch)
			life.Attach(ch)
			typing.Attach(ch)
			convs.Attach(ch)
			calls.Attach(ch)

			if creds.AuthToken() == "" || creds.Expired() {
				logger.Info("waiting for authentication")
				return machine.Transition(status.AuthRequired)
			}

			go func() {
				if err := ch.Connect(context.Background()); err != nil {
					logger.Error("channel connect failed", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			calls.LeaveCall()
			if err := ch.Close(); err != nil {
				logger.Warn("channel close", zap.Error(err))
			}
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("cache close", zap.Error(err))
			}
			logger.Info("releasing session lock")
			return lk.Release()
		},
	})
}
