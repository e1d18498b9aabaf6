package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/config"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/gateway"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/infrastructure/postgres"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/infrastructure/redisbus"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/pkg/logger"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/security"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/transport/rest"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/transport/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	logger.Init()
	log := logger.Log.With().
		Str("service", "realtime-gateway").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	// ---- Redis ----
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis ping failed")
		}
		log.Info().Msg("redis connected")
	}

	// ---- Gateway core ----
	index := gateway.NewConnectionIndex()
	locks := gateway.NewLockManager(gateway.DefaultLockShardThreshold, log)
	heartbeats := gateway.NewHeartbeatTracker(cfg.HeartbeatTimeout)
	limiter := gateway.NewRateLimiter(cfg.MessageRateLimit, cfg.MessageRateWindow, gateway.DefaultMaxTrackedLimiters, gateway.DefaultPenaltyTTL)
	metrics := gateway.NewMetrics()
	manager := gateway.NewManager(index, locks, heartbeats, limiter, metrics, cfg.MaxTotalConns, cfg.MaxConnsPerUser, cfg.MaxSectorsPerWaiter, log)

	broadcaster := gateway.NewBroadcaster(index, locks, metrics, manager.MarkDead, cfg.BroadcastBatchSize, cfg.MaxBroadcastsPerSec, log)
	router := gateway.NewRouter(broadcaster, metrics, log)

	breaker := gateway.NewCircuitBreaker(gateway.DefaultBreakerFailureThreshold, gateway.DefaultBreakerRecoveryTimeout, gateway.DefaultBreakerHalfOpenMax, log)
	drops := gateway.NewDropTracker(gateway.DefaultDropWindow, gateway.DefaultDropMaxSamples, gateway.DefaultDropAlertRate, gateway.DefaultDropAlertCooldown, log)
	queue := gateway.NewEventQueue(cfg.EventQueueSize)
	dispatcher := gateway.NewDispatcher(queue, router, drops, metrics, cfg.EventCallbackTimeout, log)
	cleanup := gateway.NewCleanupWorker(manager, index, locks, heartbeats, limiter, metrics, cfg.CleanupInterval, gateway.DefaultLockSweepEvery, log)

	// ---- Bus ----
	subscriber := redisbus.NewSubscriber(redisClient, queue, breaker, drops, metrics, redisbus.SubscriberOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		ReceiveTimeout: time.Second,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxDelay:       cfg.ReconnectMaxDelay,
	}, log)
	publisher := redisbus.NewPublisher(redisClient, log)

	// ---- Outbox ----
	if cfg.OutboxEnabled {
		store := postgres.NewOutboxStore(dbPool)
		for i := 0; i < cfg.OutboxWorkers; i++ {
			worker := postgres.NewWorker(store, publisher, postgres.WorkerOptions{
				BatchSize:      cfg.OutboxBatchSize,
				PollInterval:   cfg.OutboxPollInterval,
				MaxRetries:     cfg.OutboxMaxRetries,
				StaleAfter:     cfg.OutboxStaleAfter,
				PublishTimeout: cfg.OutboxPublishTimeout,
			}, log)
			go func(n int) {
				if err := worker.Run(rootCtx); err != nil && rootCtx.Err() == nil {
					log.Error().Err(err).Int("worker", n).Msg("outbox worker exited")
				}
			}(i)
		}
		log.Info().Int("workers", cfg.OutboxWorkers).Msg("outbox workers started")
	}

	// ---- HTTP ----
	wsHandler := ws.NewHandler(manager, limiter, heartbeats, metrics,
		security.NewJWTStrategy(cfg.JWTSecret, cfg.JWTIssuer),
		security.NewTableTokenStrategy(cfg.TableTokenSecret),
		postgres.NewSectorStore(dbPool),
		ws.Options{
			AllowedOrigins:     cfg.AllowedOrigins,
			ReceiveTimeout:     cfg.ReceiveTimeout,
			MaxMessageSize:     int64(cfg.MaxMessageSize),
			RevalidateInterval: cfg.JWTRevalidateInterval,
		}, log)

	collector := gateway.NewCollector(metrics, breaker, drops, index.TotalConns)
	httpHandler := rest.NewRouter(rest.RouterDeps{
		WS:        wsHandler,
		Collector: collector,
		Ready: map[string]func(context.Context) error{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	// ---- Background loops ----
	go dispatcher.Run(rootCtx)
	go cleanup.Run(rootCtx)

	fatalCh := make(chan error, 1)
	go func() {
		if err := subscriber.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			fatalCh <- err
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	case err := <-fatalCh:
		log.Error().Err(err).Msg("bus subscriber gave up")
	}
	stop()

	// drain order: stop accepting, close sockets, wait for lock cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Shutdown()
	if err := locks.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("lock cleanup wait timed out")
	}
	log.Info().Msg("shutdown complete")
}
