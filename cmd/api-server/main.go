package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap(os.Stderr).Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("timezone", cfg.Location.String()).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect store
	storeCtx, cancelStore := context.WithTimeout(rootCtx, 10*time.Second)
	store, err := db.Open(storeCtx, cfg)
	cancelStore()
	if err != nil {
		log.Fatal().Err(err).Msg("store connection error")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("error closing store")
		}
	}()
	if err := store.Migrate(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("schema migration error")
	}
	log.Info().Str("store", cfg.StoreDriver).Msg("connected to store")

	// Connect Redis
	var locker redisclient.Locker = redisclient.NoopLocker{}
	var redisPinger api.Pinger
	if cfg.RedisEnabled {
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, log.With().Str("component", "slot-lock").Logger())
		redisPinger = redisPing(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	} else {
		log.Warn().Msg("redis disabled, slot locks fall back to the store")
	}

	m := metrics.New("clinic")
	svc := booking.NewService(store, locker, cfg,
		booking.WithLogger(log.With().Str("component", "booking").Logger()),
		booking.WithObserver(m),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		Store:          store,
		StoreTag:       cfg.StoreDriver,
		Redis:          redisPinger,
		Logger:         log,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	log.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func redisPing(rdb *redis.Client) api.Pinger {
	return api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
