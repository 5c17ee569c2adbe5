package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/metrics"
)

type RouterConfig struct {
	Service *appointment.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Collector
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	svc := cfg.Service

	// Provider availability endpoints
	r.Route("/providers", func(r chi.Router) {
		r.Post("/", createProviderHandler(svc))
		r.Get("/{id}", getProviderHandler(svc))
		r.Put("/{id}/availability", setAvailabilityHandler(svc))
		r.Post("/{id}/blackouts", addBlackoutHandler(svc))
		r.Get("/{id}/slots", listSlotsHandler(svc))
	})

	// Appointment endpoints
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(svc))
		r.Get("/", listAppointmentsHandler(svc))
		r.Get("/{id}", getAppointmentHandler(svc))
		r.Patch("/{id}", updateAppointmentHandler(svc))
		r.Delete("/{id}", transitionHandler(svc.CancelAppointment))
		r.Post("/{id}/confirm", transitionHandler(svc.ConfirmAppointment))
		r.Post("/{id}/complete", transitionHandler(svc.CompleteAppointment))
		r.Post("/{id}/no-show", transitionHandler(svc.MarkNoShow))
	})

	return r
}
