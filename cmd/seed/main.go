package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
)

var planNames = []string{
	"Unimed",
	"Amil",
	"Bradesco Saude",
	"SulAmerica",
	"Hapvida",
	"NotreDame",
}

// Every provider gets the same weekday template: two blocks of 30 minute slots.
var template = []booking.RuleInput{
	{Start: 8 * 60, End: 12 * 60, DurationMinutes: 30},
	{Start: 13 * 60, End: 17 * 60, DurationMinutes: 30},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap(os.Stderr).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Str("store", cfg.StoreDriver).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	if seed := os.Getenv("SEED_RANDOM"); seed != "" {
		if n, err := strconv.ParseInt(seed, 10, 64); err == nil {
			gofakeit.Seed(n)
		}
	}

	svc := booking.NewService(store, redisclient.NoopLocker{}, cfg, booking.WithLogger(log))
	admin := booking.AdminActor(uuid.New())

	plans, err := seedPlans(ctx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("seed insurance plans")
	}
	providers := getInt("SEED_PROVIDERS", 20)
	if err := seedProviders(ctx, log, store, svc, admin, plans, providers); err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	patients := getInt("SEED_PATIENTS", 2000)
	if err := seedPatients(ctx, log, store, patients); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	log.Info().
		Int("insurance_plans", len(plans)).
		Int("providers", providers).
		Int("patients", patients).
		Msg("seed complete")
}

func seedPlans(ctx context.Context, store db.Store) ([]booking.InsurancePlan, error) {
	plans := make([]booking.InsurancePlan, 0, len(planNames))
	for i, name := range planNames {
		p := booking.InsurancePlan{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte("plan:"+name)),
			Name:          name,
			Active:        true,
			AcceptedByAll: i == 0,
		}
		if err := store.UpsertInsurancePlan(ctx, &p); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func seedProviders(
	ctx context.Context,
	log zerolog.Logger,
	store db.Store,
	svc *booking.Service,
	admin booking.Actor,
	plans []booking.InsurancePlan,
	count int,
) error {
	log.Info().Int("count", count).Msg("seeding providers")

	for i := 0; i < count; i++ {
		p := booking.Provider{
			ID:     uuid.New(),
			Name:   "Dr. " + gofakeit.Name(),
			Active: true,
		}
		if err := store.UpsertProvider(ctx, &p); err != nil {
			return err
		}

		for _, plan := range plans[1:] {
			if gofakeit.Bool() {
				if err := store.AcceptPlan(ctx, p.ID, plan.ID); err != nil {
					return err
				}
			}
		}

		for wd := time.Monday; wd <= time.Friday; wd++ {
			for _, in := range template {
				in.Weekday = wd
				if _, err := svc.AddRule(ctx, admin, p.ID, in); err != nil {
					return err
				}
			}
		}
	}

	log.Info().Msg("providers seeded")
	return nil
}

func seedPatients(ctx context.Context, log zerolog.Logger, store db.Store, count int) error {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for i := 0; i < count; i++ {
		p := booking.Patient{
			ID:     uuid.New(),
			Name:   gofakeit.Name(),
			Active: true,
		}
		if err := store.UpsertPatient(ctx, &p); err != nil {
			return err
		}
		if (i+1)%batchSize == 0 {
			log.Info().Int("done", i+1).Int("total", count).Msg("patients seeded")
		}
	}

	log.Info().Msg("patients seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
