package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/auth"
	"github.com/sioree/messaging/internal/bus"
	"github.com/sioree/messaging/internal/config"
	"github.com/sioree/messaging/internal/delivery"
	"github.com/sioree/messaging/internal/httpapi"
	"github.com/sioree/messaging/internal/lock"
	"github.com/sioree/messaging/internal/logging"
	"github.com/sioree/messaging/internal/presence"
	"github.com/sioree/messaging/internal/receipts"
	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/store"
	"github.com/sioree/messaging/internal/ws"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
	ListenAddr string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideVerifier,
			provideDispatcher,
			provideSignaler,
			provideReconciler,
			provideWSHandler,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), "sioreemsgd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideVerifier(cfg *config.Config) *auth.Verifier {
	return auth.NewVerifier(cfg.AuthSecret)
}

func provideDispatcher(db *store.DB, reg *registry.Registry, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Dispatcher {
	return delivery.NewDispatcher(db, reg, b, logger, cfg.PreviewLength)
}

func provideSignaler(reg *registry.Registry, logger *zap.Logger) *presence.Signaler {
	return presence.NewSignaler(reg, logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *receipts.Reconciler {
	return receipts.NewReconciler(db, b, logger)
}

func provideWSHandler(verifier *auth.Verifier, reg *registry.Registry, dispatch *delivery.Dispatcher, typing *presence.Signaler, rec *receipts.Reconciler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ws.Handler {
	return ws.NewHandler(verifier, reg, dispatch, typing, rec, b, logger, cfg.AllowedOrigins)
}

func provideAPI(db *store.DB, dispatch *delivery.Dispatcher, rec *receipts.Reconciler, verifier *auth.Verifier, cfg *config.Config, logger *zap.Logger) *httpapi.API {
	return httpapi.New(db, dispatch, rec, verifier, logger, cfg.HistoryPageSize)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
