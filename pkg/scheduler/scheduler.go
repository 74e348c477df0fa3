package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"
	"github.com/spotswitch/spotswitch/pkg/engine"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/market"
	"github.com/spotswitch/spotswitch/pkg/publisher"
	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// Scheduler drives the engine on the daily cadence: a FINAL pass for the
// current day, a PLANNED pass for the next day right after the day-ahead feed
// publishes, and on-demand recomputes for a single control. Each policy is its
// own logical transaction; one failing policy never rolls back or blocks the
// others.
type Scheduler struct {
	storage storage.Database
	engine  *engine.Engine
	market  market.Provider
	pub     *publisher.Publisher

	cron         *cron.Cron
	todaySpec    string
	tomorrowSpec string

	// now is swappable for tests
	now func() time.Time
}

// New creates a Scheduler without registering flags. Used by tests and by
// Configured.
func New(db storage.Database, eng *engine.Engine, mkt market.Provider, pub *publisher.Publisher) *Scheduler {
	return &Scheduler{
		storage: db,
		engine:  eng,
		market:  mkt,
		pub:     pub,
		now:     time.Now,
	}
}

// Configured initializes the Scheduler with dependencies and registers its
// cron flags.
func Configured(db storage.Database, eng *engine.Engine, mkt market.Provider, pub *publisher.Publisher) *Scheduler {
	s := New(db, eng, mkt, pub)

	// the day-ahead auction publishes results around 13:00 CET, leave headroom
	todaySpec := lflag.String("run-today-cron", "15 0 * * *", "Cron spec for the daily FINAL pass (empty disables)")
	tomorrowSpec := lflag.String("run-tomorrow-cron", "10 14 * * *", "Cron spec for the feed sync + PLANNED pass (empty disables)")

	lflag.Do(func() {
		s.todaySpec = *todaySpec
		s.tomorrowSpec = *tomorrowSpec
	})

	return s
}

// Start registers the cron jobs and runs them until the context is canceled.
// It returns immediately; jobs run on the cron's own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	if s.todaySpec != "" {
		_, err := s.cron.AddFunc(s.todaySpec, func() {
			if err := s.RunToday(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "daily FINAL pass failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid run-today-cron (%s): %w", s.todaySpec, err)
		}
	}
	if s.tomorrowSpec != "" {
		_, err := s.cron.AddFunc(s.tomorrowSpec, func() {
			if err := s.RunAllTomorrow(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "daily PLANNED pass failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid run-tomorrow-cron (%s): %w", s.tomorrowSpec, err)
		}
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()

	log.Ctx(ctx).InfoContext(ctx, "scheduler started",
		slog.String("todayCron", s.todaySpec),
		slog.String("tomorrowCron", s.tomorrowSpec),
	)
	return nil
}

// RunToday evaluates every policy against the current day in its own timezone
// and stamps the results FINAL. Entries already PLANNED for today are promoted.
func (s *Scheduler) RunToday(ctx context.Context) error {
	policies, err := s.storage.ListControlPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	return s.runAll(ctx, policies, 0, types.StatusFinal)
}

// RunAllTomorrow syncs the day-ahead feed and then evaluates every policy
// against the next day in its own timezone, stamping the results PLANNED.
func (s *Scheduler) RunAllTomorrow(ctx context.Context) error {
	if err := s.SyncPrices(ctx); err != nil {
		// keep going: slots from an earlier sync may already cover tomorrow
		log.Ctx(ctx).ErrorContext(ctx, "price feed sync failed", slog.Any("error", err))
	}

	policies, err := s.storage.ListControlPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	return s.runAll(ctx, policies, 1, types.StatusPlanned)
}

// RunForControl recomputes the current day for a single policy without
// touching any other policy's rows. The per-policy error surfaces to the
// caller so a user-triggered recompute can show it.
func (s *Scheduler) RunForControl(ctx context.Context, id string) error {
	policy, err := s.storage.GetControlPolicy(ctx, id)
	if err != nil {
		return err
	}
	return s.runAll(ctx, []types.ControlPolicy{policy}, 0, types.StatusFinal)
}

// Recalculate deletes the policy's entries for the current day and regenerates
// them. This is the only path that removes schedule rows.
func (s *Scheduler) Recalculate(ctx context.Context, id string) error {
	policy, err := s.storage.GetControlPolicy(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := policy.Mode.(types.Scheduled); ok {
		return fmt.Errorf("policy %s entries are user-authored and cannot be recomputed", id)
	}

	loc, err := policy.Location()
	if err != nil {
		return err
	}
	windowStart, windowEnd := dayWindow(s.now().In(loc), 0)

	deleted, err := s.storage.DeleteScheduleEntries(ctx, id, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("failed to clear window: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared schedule window for recompute",
		slog.String("policyID", id),
		slog.Int("deleted", deleted),
		slog.Time("windowStart", windowStart),
		slog.Time("windowEnd", windowEnd),
	)

	return s.RunForControl(ctx, id)
}

// SyncPrices fetches the market feed covering today and tomorrow and upserts
// the slots. Slots are immutable facts, so rewriting ones we already hold is
// harmless.
func (s *Scheduler) SyncPrices(ctx context.Context) error {
	now := s.now().UTC()
	start := now.Truncate(24 * time.Hour)
	end := start.Add(48 * time.Hour)

	// skip the fetch when stored slots already reach the end of the window
	latest, err := s.storage.GetLatestPriceSlotTime(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to check latest stored slot", slog.Any("error", err))
	} else if !latest.Before(end.Add(-time.Hour)) {
		log.Ctx(ctx).DebugContext(ctx, "price feed already covers window", slog.Time("latest", latest))
		return nil
	}

	slots, err := s.market.GetDayAheadPrices(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to fetch day-ahead prices: %w", err)
	}

	for _, slot := range slots {
		if err := s.storage.UpsertPriceSlot(ctx, slot); err != nil {
			return fmt.Errorf("failed to store price slot %s: %w", slot.TSStart.Format(time.RFC3339), err)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "price feed synced",
		slog.String("feed", s.market.Source()),
		slog.Int("slots", len(slots)),
	)
	return nil
}

// runAll groups policies by timezone, computes the day window per zone offset
// by offsetDays from today, and feeds each group to the engine.
func (s *Scheduler) runAll(ctx context.Context, policies []types.ControlPolicy, offsetDays int, status types.Status) error {
	byZone := make(map[string][]types.ControlPolicy)
	for _, p := range policies {
		byZone[p.Timezone] = append(byZone[p.Timezone], p)
	}

	var errs []error
	for zone, group := range byZone {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "skipping policies with invalid timezone",
				slog.String("timezone", zone), slog.Int("policies", len(group)), slog.Any("error", err))
			for _, p := range group {
				errs = append(errs, fmt.Errorf("policy %s: invalid timezone %q: %w", p.ID, zone, err))
			}
			continue
		}

		windowStart, windowEnd := dayWindow(s.now().In(loc), offsetDays)
		if err := s.engine.Generate(ctx, group, windowStart, windowEnd, status); err != nil {
			errs = append(errs, err)
		}

		s.announce(ctx, group, windowStart, windowEnd, status)
	}
	return errors.Join(errs...)
}

// announce publishes each policy's freshly generated window over MQTT when a
// broker is configured.
func (s *Scheduler) announce(ctx context.Context, policies []types.ControlPolicy, windowStart, windowEnd time.Time, status types.Status) {
	if s.pub == nil || !s.pub.Enabled() {
		return
	}
	for _, p := range policies {
		entries, err := s.storage.GetScheduleEntries(ctx, p.ID, windowStart, windowEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read back schedule for announcement",
				slog.String("policyID", p.ID), slog.Any("error", err))
			continue
		}
		s.pub.PublishSchedule(ctx, p.ID, status, entries)
	}
}

// dayWindow returns the half-open local day window offset by days from the
// day containing t. Going through time.Date keeps the boundaries correct
// across DST transitions.
func dayWindow(t time.Time, days int) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day()+days, 0, 0, 0, 0, t.Location())
	end := time.Date(t.Year(), t.Month(), t.Day()+days+1, 0, 0, 0, 0, t.Location())
	return start, end
}
