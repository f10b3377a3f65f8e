// Command ecb-sync keeps ECB series in a local store and serves them over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/cache"
	"github.com/Sternrassler/ecb-series-client/pkg/client"
	"github.com/Sternrassler/ecb-series-client/pkg/config"
	"github.com/Sternrassler/ecb-series-client/pkg/logging"
	"github.com/Sternrassler/ecb-series-client/pkg/ratelimit"
	"github.com/Sternrassler/ecb-series-client/pkg/scheduler"
	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/Sternrassler/ecb-series-client/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ecb-sync failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Service: "ecb-sync",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, archive, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit,
		Window:      cfg.RateWindow,
		MinInterval: cfg.MinInterval,
	})
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	clientCfg := client.DefaultConfig(limiter, cfg.UserAgent)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPTimeout = cfg.HTTPTimeout
	clientCfg.Retry.MaxAttempts = cfg.MaxRetries
	clientCfg.Retry.InitialBackoff = cfg.InitialBackoff
	clientCfg.Retry.MaxBackoff = cfg.MaxBackoff
	clientCfg.Archive = archive
	upstream, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxAge = cfg.MaxAge
	cacheCfg.SyncLookbackDays = cfg.SyncLookbackDays
	cacheCfg.RefreshTimeout = cfg.RefreshTimeout
	cacheCfg.MaxConcurrency = cfg.MaxConcurrency
	catalog := series.DefaultCatalog()
	coordinator, err := cache.New(st, upstream, catalog, cacheCfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	api := newServer(coordinator, st)
	if def, err := pingDefinition(catalog, cfg.Series); err != nil {
		log.Warn().Err(err).Msg("No series to check upstream connectivity with")
	} else {
		_ = api.checkUpstream(ctx, upstream, def)
	}

	var sched *scheduler.Scheduler
	if cfg.RefreshInterval > 0 {
		sched, err = scheduler.New(coordinator, scheduler.Config{
			Interval: cfg.RefreshInterval,
			Keys:     cfg.Series,
		})
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
		api.scheduler = sched
	} else {
		log.Info().Msg("Background refresh disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.StoreBackend).
			Str("user_agent", cfg.UserAgent).
			Msg("Starting ecb-sync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pingDefinition picks the series the startup connectivity check fetches:
// the first configured series, or the first catalog entry.
func pingDefinition(catalog *series.Catalog, configured []series.Key) (series.Definition, error) {
	keys := configured
	if len(keys) == 0 {
		keys = catalog.Keys()
	}
	if len(keys) == 0 {
		return series.Definition{}, fmt.Errorf("catalog is empty")
	}
	return catalog.Resolve(keys[0])
}

// openStore opens the configured backend. Durable backends also archive
// malformed payloads.
func openStore(ctx context.Context, cfg *config.Config) (store.SeriesStore, client.PayloadArchive, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil, nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

		redisCfg := store.DefaultRedisConfig()
		redisCfg.Namespace = cfg.RedisNamespace
		st, err := store.NewRedisStore(redisClient, redisCfg)
		if err != nil {
			redisClient.Close()
			return nil, nil, err
		}
		return st, st, nil

	default:
		badgerCfg := store.DefaultBadgerConfig()
		badgerCfg.Path = cfg.BadgerPath
		st, err := store.OpenBadger(badgerCfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.BadgerPath).Msg("Opened Badger store")
		return st, st, nil
	}
}
