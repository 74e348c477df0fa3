package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// ErrNoPrices is returned for a policy whose window has no price slots yet,
// e.g. before the day-ahead feed for that day was fetched. The policy is
// skipped for the run and retried on the next trigger; missing prices never
// mean "everything on".
var ErrNoPrices = errors.New("no price slots in window")

// PriceRepository is the engine's read port for day-ahead price slots.
type PriceRepository interface {
	GetPriceSlots(ctx context.Context, start, end time.Time) ([]types.PriceSlot, error)
}

// ScheduleStore is the engine's write port for materialized entries. The
// insert must be an atomic insert-or-ignore on the (control, start, end) key.
type ScheduleStore interface {
	InsertScheduleEntryIfAbsent(ctx context.Context, e types.ScheduleEntry) (bool, error)
	PromoteScheduleEntry(ctx context.Context, controlID string, start, end time.Time) error
}

// Engine converts control policies and a price window into persisted
// actuation entries. Generation is idempotent: running it twice on identical
// inputs produces identical storage state.
type Engine struct {
	prices PriceRepository
	store  ScheduleStore
}

// New creates an Engine on top of the given ports.
func New(prices PriceRepository, store ScheduleStore) *Engine {
	return &Engine{prices: prices, store: store}
}

// Generate evaluates every policy against the half-open window and persists
// the resulting entries with the given status. A failing policy is logged and
// skipped; the remaining policies still run. The returned error joins the
// per-policy failures so a single-policy caller can surface the message while
// the periodic trigger just logs it.
func (e *Engine) Generate(ctx context.Context, policies []types.ControlPolicy, windowStart, windowEnd time.Time, status types.Status) error {
	var errs []error
	for _, p := range policies {
		if err := e.generateOne(ctx, p, windowStart, windowEnd, status); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "schedule generation failed for policy",
				slog.String("policyID", p.ID),
				slog.String("mode", modeName(p.Mode)),
				slog.Time("windowStart", windowStart),
				slog.Time("windowEnd", windowEnd),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) generateOne(ctx context.Context, policy types.ControlPolicy, windowStart, windowEnd time.Time, status types.Status) error {
	var slots []types.PriceSlot
	switch policy.Mode.(type) {
	case types.Scheduled:
		// user-authored entries, the engine leaves them untouched
		log.Ctx(ctx).DebugContext(ctx, "skipping scheduled-mode policy", slog.String("policyID", policy.ID))
		return nil
	case types.Manual:
		// manual mode ignores prices, so an empty feed is not an error for it
	default:
		var err error
		slots, err = e.prices.GetPriceSlots(ctx, windowStart, windowEnd)
		if err != nil {
			return fmt.Errorf("failed to read price slots: %w", err)
		}
		if len(slots) == 0 {
			return fmt.Errorf("%w: [%s, %s)", ErrNoPrices,
				windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
		}
	}

	entries, err := e.Plan(policy, slots, windowStart, windowEnd)
	if err != nil {
		return err
	}

	var inserted, promoted int
	for _, entry := range entries {
		entry.Status = status
		ok, err := e.store.InsertScheduleEntryIfAbsent(ctx, entry)
		if err != nil {
			return fmt.Errorf("failed to persist entry %s: %w", entry.Key(), err)
		}
		if ok {
			inserted++
			continue
		}
		// The row already exists: a later run never flips a materialized
		// decision. The only sanctioned transition is PLANNED to FINAL as the
		// entry's day becomes today.
		if status == types.StatusFinal {
			if err := e.store.PromoteScheduleEntry(ctx, entry.ControlID, entry.TSStart, entry.TSEnd); err != nil {
				return fmt.Errorf("failed to promote entry %s: %w", entry.Key(), err)
			}
			promoted++
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "schedule generated",
		slog.String("policyID", policy.ID),
		slog.String("mode", modeName(policy.Mode)),
		slog.String("status", string(status)),
		slog.Int("entries", len(entries)),
		slog.Int("inserted", inserted),
		slog.Int("promoted", promoted),
	)
	return nil
}

// Plan is the pure decision procedure: given a policy and the slots
// intersecting the half-open window, it returns the entries to materialize in
// chronological order. Entries carry no status; the caller stamps it when
// persisting. Off intervals are not materialized, absence of a row is the off
// state.
func (e *Engine) Plan(policy types.ControlPolicy, slots []types.PriceSlot, windowStart, windowEnd time.Time) ([]types.ScheduleEntry, error) {
	// keep only slots fully inside the window and order them chronologically
	inWindow := make([]types.PriceSlot, 0, len(slots))
	for _, s := range slots {
		if s.TSStart.Before(windowStart) || s.TSEnd.After(windowEnd) {
			continue
		}
		inWindow = append(inWindow, s)
	}
	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].TSStart.Before(inWindow[j].TSStart)
	})

	switch m := policy.Mode.(type) {
	case types.BelowMaxPrice:
		var entries []types.ScheduleEntry
		for _, s := range inWindow {
			// inclusive comparator: a slot exactly at the threshold is on
			if s.CentsPerKWH <= m.MaxCentsPerKWH {
				entries = append(entries, slotEntry(policy.ID, s))
			}
		}
		return entries, nil

	case types.CheapestHours:
		ranked := make([]types.PriceSlot, len(inWindow))
		copy(ranked, inWindow)
		// price ascending, ties resolve to the earliest delivery start so the
		// selection is deterministic across runs
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].CentsPerKWH != ranked[j].CentsPerKWH {
				return ranked[i].CentsPerKWH < ranked[j].CentsPerKWH
			}
			return ranked[i].TSStart.Before(ranked[j].TSStart)
		})

		var acc time.Duration
		selected := make([]types.PriceSlot, 0, len(ranked))
		for _, s := range ranked {
			if acc >= m.DailyOnDuration {
				break
			}
			// a slot that overshoots the target is still included fully:
			// guaranteed minimum on-time beats exact duration matching
			selected = append(selected, s)
			acc += s.Duration()
		}
		sort.Slice(selected, func(i, j int) bool {
			return selected[i].TSStart.Before(selected[j].TSStart)
		})

		entries := make([]types.ScheduleEntry, 0, len(selected))
		for _, s := range selected {
			entries = append(entries, slotEntry(policy.ID, s))
		}
		return entries, nil

	case types.Manual:
		return []types.ScheduleEntry{{
			ControlID: policy.ID,
			TSStart:   windowStart,
			TSEnd:     windowEnd,
			On:        m.On,
		}}, nil

	case types.Scheduled:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported control mode %T", policy.Mode)
	}
}

func slotEntry(controlID string, s types.PriceSlot) types.ScheduleEntry {
	return types.ScheduleEntry{
		ControlID:   controlID,
		TSStart:     s.TSStart,
		TSEnd:       s.TSEnd,
		CentsPerKWH: s.CentsPerKWH,
		On:          true,
	}
}

func modeName(m types.ControlMode) string {
	if m == nil {
		return "none"
	}
	return m.Name()
}
