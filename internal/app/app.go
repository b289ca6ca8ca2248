package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/config"
	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/metrics"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/service/calls"
	"github.com/vovakirdan/wirechat-calls/internal/store"
	"github.com/vovakirdan/wirechat-calls/internal/store/memory"
	"github.com/vovakirdan/wirechat-calls/internal/store/redis"
	"github.com/vovakirdan/wirechat-calls/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-calls/internal/transport/http"
)

// App wires the call service to its store and the UI bridge.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	calls           *calls.Service
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	source, err := media.NewSource(cfg.Media.Source, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init media: %w", err)
	}
	drivers, err := peer.NewFactory(peer.Config{
		Mode:                   cfg.Peer.Mode,
		ICEServers:             cfg.Peer.ICEServers,
		ConnectDelay:           cfg.Peer.ConnectDelay,
		ICEDisconnectedTimeout: cfg.Peer.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.Peer.ICEFailedTimeout,
		ICEKeepalive:           cfg.Peer.ICEKeepalive,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init peer driver: %w", err)
	}

	svc, err := calls.New(calls.Deps{
		Self: store.Participant{
			UserID:      cfg.Self.UserID,
			DisplayName: cfg.Self.DisplayName,
			PhotoURL:    cfg.Self.PhotoURL,
		},
		Store:          st,
		Source:         source,
		Drivers:        drivers,
		Metrics:        metrics.New(reg),
		RosterOnAnswer: cfg.Calls.RosterOnAnswer,
		AutoAnswer:     cfg.Calls.AutoAnswer,
		WriteTimeout:   cfg.Calls.WriteTimeout,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init call service: %w", err)
	}

	logger.Info().
		Str("self_id", cfg.Self.UserID).
		Str("store", cfg.Store.Driver).
		Str("peer_mode", cfg.Peer.Mode).
		Str("media_source", cfg.Media.Source).
		Msg("call service initialized")

	return &App{
		server:          transporthttp.NewServer(svc, reg, *cfg, logger),
		shutdownTimeout: cfg.ShutdownTimeout,
		calls:           svc,
		store:           st,
		log:             logger,
	}, nil
}

// OpenStore connects the session store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite:
		st, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")
		return st, nil
	case config.StoreRedis:
		st, err := redis.New(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("redis store connected")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup hangs up live calls, then closes the store.
func (a *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := a.calls.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to end calls before exit")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
