package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"qms/dispatch-service/internal/cache"
	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/lookup"
	"qms/dispatch-service/internal/relay"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/store/sqlite"
	"qms/dispatch-service/internal/telemetry"
)

const serviceName = "dispatch-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", serviceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open store")
	}
	defer closeStore()

	projections, closeProjections := newProjectionCache(cfg, logger)
	defer closeProjections()

	engine := dispatch.NewEngine(st, projections, logger, dispatch.Options{
		CompleteOnAdvance: cfg.CompleteOnAdvance,
		ListingLimit:      cfg.ListingLimit,
	})
	handler := httpapi.NewHandler(engine, lookup.NewService(st, cfg.ListingLimit), logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		CounterPerMinute: cfg.CounterRateLimitPerMinute,
		CounterBurst:     cfg.CounterRateLimitBurst,
	})

	mux := handler.Routes()
	mux.Handle("/metrics", expvar.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(mux)), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("driver", cfg.DBDriver).Msg("dispatch-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.RelayEnabled() {
		publisher := relay.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		defer publisher.Close()
		outboxRelay := relay.New(st, publisher, cfg.RelayBatchSize, logger)
		group.Go(func() error {
			return outboxRelay.Start(groupCtx, cfg.RelayInterval)
		})
	} else {
		logger.Info().Msg("outbox relay disabled")
	}

	if cfg.AutoSkipEnabled() {
		group.Go(func() error {
			runAutoSkip(groupCtx, engine, cfg, logger)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("dispatch-service stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("dispatch-service stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.TicketStore, func(), error) {
	if cfg.DBDriver == config.DriverSQLite {
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := seedCounters(ctx, st, cfg.CounterSeeds(), logger); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func seedCounters(ctx context.Context, st *sqlite.Store, names []string, logger zerolog.Logger) error {
	if len(names) == 0 {
		return nil
	}
	existing, err := st.ListCounters(ctx, false)
	if err != nil || len(existing) > 0 {
		return err
	}
	for _, name := range names {
		counter, err := st.CreateCounter(ctx, name, true)
		if err != nil {
			return err
		}
		logger.Info().Str("counter_id", counter.CounterID).Str("counter", counter.Name).Msg("counter seeded")
	}
	return nil
}

// newProjectionCache prefers Redis and degrades to an in-process cache. The
// returned func releases the Redis connection pool.
func newProjectionCache(cfg config.Config, logger zerolog.Logger) (*cache.ProjectionCache, func()) {
	var backend cache.Backend = cache.NewMemoryBackend()
	client := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TLS:      cfg.RedisTLS,
	})
	switch {
	case client != nil:
		backend = cache.NewRedisBackend(client, "qms:")
		logger.Info().Str("addr", cfg.RedisAddr).Msg("projection cache on redis")
	case cfg.RedisAddr != "":
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis unreachable, using in-process projection cache")
	}
	projections := cache.New(backend, cfg.CacheTTL, logger, dispatch.KeyCurrent, dispatch.KeyAll, dispatch.KeyMetrics)
	return projections, func() {
		if err := projections.Close(); err != nil {
			logger.Warn().Err(err).Msg("close projection cache")
		}
	}
}

func runAutoSkip(ctx context.Context, engine *dispatch.Engine, cfg config.Config, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.AutoSkipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			count, err := engine.AutoSkip(runCtx, cfg.AutoSkipGrace, cfg.AutoSkipBatchSize)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("auto skip error")
				continue
			}
			if count > 0 {
				logger.Info().Int("count", count).Msg("auto skip processed tickets")
			}
		}
	}
}
