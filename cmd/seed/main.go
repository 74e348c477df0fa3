package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now().UTC()
	start := now.Truncate(24 * time.Hour)

	// Seed two days of hourly day-ahead prices with a plausible daily shape:
	// cheap at night, a morning ramp, a mid-day solar dip, an evening peak.
	for t := start; t.Before(start.Add(48 * time.Hour)); t = t.Add(time.Hour) {
		hour := t.Hour()

		basePrice := 8.0 // cent/kWh
		if hour >= 6 && hour < 9 {
			basePrice = 14.0 // Morning ramp
		} else if hour >= 11 && hour < 15 {
			basePrice = 3.0 // Mid-day solar dip
		} else if hour >= 17 && hour < 21 {
			basePrice = 22.0 // Evening peak
		} else if hour < 5 {
			basePrice = 5.0 // Night
		}
		// Jitter
		basePrice += (rng.Float64() * 2.0) - 1.0

		slot := types.PriceSlot{
			Feed:        "awattar",
			TSStart:     t,
			TSEnd:       t.Add(time.Hour),
			CentsPerKWH: basePrice,
		}
		if err := s.UpsertPriceSlot(ctx, slot); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed price slot", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded price at %s: %.2f c/kWh\n", t.Format(time.RFC3339), basePrice)
	}

	// A demo user owning a few controls in each mode.
	user := types.User{ID: "demo-user", Email: "demo@example.com"}
	if err := s.CreateUser(ctx, user); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed user", "error", err)
		os.Exit(1)
	}

	policies := []types.ControlPolicy{
		{
			ID:       "demo-water-heater",
			OwnerID:  user.ID,
			Name:     "Water Heater",
			Timezone: "Europe/Berlin",
			Mode:     types.CheapestHours{DailyOnDuration: 4 * time.Hour},
			TaxRate:  0.19,
		},
		{
			ID:       "demo-pool-pump",
			OwnerID:  user.ID,
			Name:     "Pool Pump",
			Timezone: "Europe/Berlin",
			Mode:     types.BelowMaxPrice{MaxCentsPerKWH: 6},
			TaxRate:  0.19,
		},
		{
			ID:       "demo-fountain",
			OwnerID:  user.ID,
			Name:     "Garden Fountain",
			Timezone: "Europe/Berlin",
			Mode:     types.Manual{On: true},
		},
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid seed policy", "error", err)
			os.Exit(1)
		}
		if err := s.CreateControlPolicy(ctx, p); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed policy", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded control %s (%s)\n", p.ID, p.Mode.Name())
	}

	// Wire a two-channel relay to the first two controls.
	bindings := []types.DeviceBinding{
		{DeviceID: "demo-relay", Channel: 1, ControlID: "demo-water-heater"},
		{DeviceID: "demo-relay", Channel: 2, ControlID: "demo-pool-pump"},
	}
	for _, b := range bindings {
		if err := s.PutDeviceBinding(ctx, b); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed device binding", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded binding %s/%d -> %s\n", b.DeviceID, b.Channel, b.ControlID)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
