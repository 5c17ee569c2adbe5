package main

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/config"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/db"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/observability"
)

var categories = []appointment.Category{
	appointment.CategoryGP,
	appointment.CategoryDentist,
	appointment.CategorySpecialist,
	appointment.CategoryPediatrician,
	appointment.CategoryPhysiotherapist,
	appointment.CategoryPsychologist,
}

var slotLengths = []time.Duration{15 * time.Minute, 20 * time.Minute, 30 * time.Minute, 45 * time.Minute, time.Hour}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.PostgresDSN == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	logger := observability.InitLogger("seed", cfg.Env, cfg.LogLevel)
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	store := appointment.NewAvailabilityStore(appointment.NewPgRepository(pool), cfg.Location, logger)

	if err := seedProviders(ctx, store, 100, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed providers")
	}

	logger.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, store *appointment.AvailabilityStore, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding providers")

	for i := 0; i < count; i++ {
		name := "Dr. " + gofakeit.LastName()
		category := categories[gofakeit.Number(0, len(categories)-1)]
		slot := slotLengths[gofakeit.Number(0, len(slotLengths)-1)]

		p, err := store.RegisterProvider(ctx, name, category, slot)
		if err != nil {
			return err
		}

		if err := store.SetRecurringAvailability(ctx, p.ID, weeklyWindows()); err != nil {
			return err
		}

		// One in five providers gets a leave day next week
		if gofakeit.Number(1, 5) == 1 {
			day := time.Now().In(store.Location()).AddDate(0, 0, gofakeit.Number(7, 13))
			start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, store.Location())
			leave := appointment.NewRange(start, start.AddDate(0, 0, 1))
			if _, err := store.AddBlackout(ctx, p.ID, leave, "annual leave"); err != nil {
				return err
			}
		}

		if (i+1)%25 == 0 {
			logger.Info().Int("seeded", i+1).Int("total", count).Msg("providers seeded")
		}
	}

	return nil
}

// weeklyWindows gives a weekday morning and afternoon session with a lunch
// break; some providers also work Saturday mornings.
func weeklyWindows() []appointment.Window {
	morningStart := appointment.ClockTime(gofakeit.Number(7, 9) * 60)
	afternoonEnd := appointment.ClockTime(gofakeit.Number(16, 18) * 60)
	lunch := appointment.ClockTime(12 * 60)

	var windows []appointment.Window
	for day := time.Monday; day <= time.Friday; day++ {
		windows = append(windows,
			appointment.Window{Day: day, Start: morningStart, End: lunch},
			appointment.Window{Day: day, Start: lunch + 60, End: afternoonEnd},
		)
	}
	if gofakeit.Bool() {
		windows = append(windows, appointment.Window{Day: time.Saturday, Start: 9 * 60, End: 13 * 60})
	}
	return windows
}
