package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/app"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
	// Config overrides ~/.chatsync/config.toml when set.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			metrics.New,
			provideBus,
			provideLock,
			provideStore,
			provideBackend,
			session.New,
			provideSocket,
			provideController,
			provideService,
			NewServer,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(account.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account, p.Debug)
}

func provideBus(m *metrics.Metrics, logger *zap.Logger) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(evt bus.Event) {
		m.BusDrop()
		logger.Debug("bus event dropped", zap.String("kind", evt.Kind))
	})
	return b
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.LockPath(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, db *store.DB, logger *zap.Logger, m *metrics.Metrics) (*backend.HTTP, error) {
	if cfg.BackendURL == "" {
		return nil, errors.New("backend_url is not configured in " + account.ConfigPath())
	}
	return backend.NewHTTP(backend.HTTPConfig{
		BaseURL: cfg.BackendURL,
		AnonKey: cfg.AnonKey,
		Timeout: cfg.RequestTimeout.Duration,
	}, db, logger.Named("backend"), m)
}

func provideSocket(cfg *config.Config, hc *backend.HTTP, sess *session.Context, logger *zap.Logger) *realtime.Socket {
	return realtime.NewSocket(realtime.SocketConfig{
		URL:       realtime.EndpointURL(hc.BaseURL(), hc.AnonKey()),
		Heartbeat: cfg.HeartbeatInterval.Duration,
		Token: func() string {
			cred, err := sess.Credential()
			if err != nil {
				return ""
			}
			return cred.AccessToken
		},
	}, logger)
}

func provideController(cfg *config.Config, hc *backend.HTTP, sock *realtime.Socket, db *store.DB, b *bus.Bus, sess *session.Context, logger *zap.Logger, m *metrics.Metrics) *app.Controller {
	return app.New(app.Deps{
		Backend:   hc,
		Transport: sock,
		State:     db,
		Bus:       b,
		Session:   sess,
		Logger:    logger,
		Metrics:   m,
	}, app.Options{
		PageSize:       cfg.PageSize,
		RealtimeBuffer: cfg.RealtimeBuffer,
	})
}

func provideService(p Params, ctrl *app.Controller, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Account, ctrl, b, logger.Named("api"))
}

// provideMetricsServer returns nil when metrics_addr is unset.
func provideMetricsServer(cfg *config.Config, m *metrics.Metrics) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, svc *api.Service, lk *lock.Lock, db *store.DB, ctrl *app.Controller, sock *realtime.Socket, metricsSrv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	loaded := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Realtime dispatch and the send queue.
			ctrl.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if metricsSrv != nil {
				go func() {
					logger.Info("metrics server starting", zap.String("addr", metricsSrv.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			go func() {
				defer close(loaded)
				if err := sock.Connect(ctx); err != nil {
					logger.Warn("realtime connect failed, retrying in background", zap.Error(err))
				}
				if err := ctrl.Load(ctx); err != nil {
					logger.Warn("initial load incomplete", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-loaded
			svc.Close()
			srv.Stop(stopCtx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(stopCtx)
			}
			ctrl.Stop()
			if err := sock.Close(); err != nil && !errors.Is(err, realtime.ErrClosed) {
				logger.Warn("error closing realtime socket", zap.Error(err))
			}
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
