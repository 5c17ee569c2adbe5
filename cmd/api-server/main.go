package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/api"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/config"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/db"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/locking"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/metrics"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/observability"
	redisclient "github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logger := observability.InitLogger("api-server", cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("storage", cfg.StorageDriver).
		Str("locks", cfg.LockBackend).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo appointment.Repository
	var pgPool *pgxpool.Pool
	if cfg.StorageDriver == config.StoragePostgres {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.Migrate(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres setup error")
		}
		defer pgPool.Close()
		logger.Info().Msg("connected to Postgres")
		repo = appointment.NewPgRepository(pgPool)
	} else {
		logger.Warn().Msg("using in-memory storage, data is lost on restart")
		repo = appointment.NewMemoryRepository()
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
	}

	var locker locking.Locker
	if cfg.LockBackend == config.LockRedis {
		locker = redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL, cfg.LockWait)
	} else {
		locker = locking.NewKeyedLocker(cfg.LockWait)
	}

	collector := metrics.NewCollector("scheduling")
	opts := []appointment.Option{
		appointment.WithLogger(logger.With().Str("component", "scheduling").Logger()),
		appointment.WithRecorder(collector),
	}
	if rdb != nil {
		opts = append(opts, appointment.WithPublisher(redisclient.NewEventPublisher(rdb, cfg.EventChannel)))
	}
	svc := appointment.NewService(repo, locker, cfg, opts...)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		PgPool:  pgPool,
		Redis:   rdb,
		Metrics: collector,
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
