package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/config"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/db"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/locking"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/observability"
	redisclient "github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/redis"
)

// expiry-worker cancels requested appointments that nobody confirmed within
// APPOINTMENT_TTL, giving their slots back.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Msg("expiry-worker needs STORAGE_DRIVER=postgres")
	}

	logger := observability.InitLogger("expiry-worker", cfg.Env, cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Dur("ttl", cfg.AppointmentTTL).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Status changes do not take provider locks, but events still go out on Redis
	opts := []appointment.Option{appointment.WithLogger(logger)}
	if cfg.UsesRedis() {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
		opts = append(opts, appointment.WithPublisher(redisclient.NewEventPublisher(rdb, cfg.EventChannel)))
	}

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, locking.NewKeyedLocker(cfg.LockWait), cfg, opts...)

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireStaleRequests(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("expiry run error")
		return
	}
	logger.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("expiry run complete")
}
