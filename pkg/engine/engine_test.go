package engine

import (
	"context"
	"testing"
	"time"

	"github.com/spotswitch/spotswitch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	slots []types.PriceSlot
}

func (f *fakePrices) GetPriceSlots(_ context.Context, start, end time.Time) ([]types.PriceSlot, error) {
	var out []types.PriceSlot
	for _, s := range f.slots {
		if !s.TSStart.Before(start) && !s.TSEnd.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeStore struct {
	entries  map[string]types.ScheduleEntry
	inserted int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]types.ScheduleEntry{}}
}

func (f *fakeStore) key(controlID, intervalKey string) string {
	return controlID + "/" + intervalKey
}

func (f *fakeStore) InsertScheduleEntryIfAbsent(_ context.Context, e types.ScheduleEntry) (bool, error) {
	k := f.key(e.ControlID, e.Key())
	if _, ok := f.entries[k]; ok {
		return false, nil
	}
	f.entries[k] = e
	f.inserted++
	return true, nil
}

func (f *fakeStore) PromoteScheduleEntry(_ context.Context, controlID string, start, end time.Time) error {
	k := f.key(controlID, types.ScheduleEntry{TSStart: start, TSEnd: end}.Key())
	if e, ok := f.entries[k]; ok && e.Status == types.StatusPlanned {
		e.Status = types.StatusFinal
		f.entries[k] = e
	}
	return nil
}

func hourSlots(day time.Time, cents ...float64) []types.PriceSlot {
	slots := make([]types.PriceSlot, 0, len(cents))
	for i, c := range cents {
		start := day.Add(time.Duration(i) * time.Hour)
		slots = append(slots, types.PriceSlot{
			Feed:        "test",
			TSStart:     start,
			TSEnd:       start.Add(time.Hour),
			CentsPerKWH: c,
		})
	}
	return slots
}

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestPlanBelowMaxPriceInclusive(t *testing.T) {
	e := New(nil, nil)
	policy := types.ControlPolicy{ID: "p1", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}}
	slots := hourSlots(day, 5.0, 5.01, 4.99)

	entries, err := e.Plan(policy, slots, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// a slot priced exactly at the threshold is on
	assert.Equal(t, day, entries[0].TSStart)
	assert.Equal(t, 5.0, entries[0].CentsPerKWH)
	assert.Equal(t, day.Add(2*time.Hour), entries[1].TSStart)
	for _, e := range entries {
		assert.True(t, e.On)
	}
}

func TestPlanCheapestHoursDeterminism(t *testing.T) {
	e := New(nil, nil)
	slots := hourSlots(day, 5, 5, 3, 3, 1)

	t.Run("three hours", func(t *testing.T) {
		policy := types.ControlPolicy{ID: "p1", Mode: types.CheapestHours{DailyOnDuration: 3 * time.Hour}}
		entries, err := e.Plan(policy, slots, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 3)

		// the 1 and both 3s, in chronological order
		assert.Equal(t, day.Add(2*time.Hour), entries[0].TSStart)
		assert.Equal(t, day.Add(3*time.Hour), entries[1].TSStart)
		assert.Equal(t, day.Add(4*time.Hour), entries[2].TSStart)
	})

	t.Run("price tie resolves to earliest start", func(t *testing.T) {
		policy := types.ControlPolicy{ID: "p1", Mode: types.CheapestHours{DailyOnDuration: 2 * time.Hour}}
		entries, err := e.Plan(policy, slots, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 2)

		// the 1 plus the earlier of the two 3-priced slots
		assert.Equal(t, day.Add(2*time.Hour), entries[0].TSStart)
		assert.Equal(t, day.Add(4*time.Hour), entries[1].TSStart)
	})

	t.Run("overshoot slot included fully", func(t *testing.T) {
		policy := types.ControlPolicy{ID: "p1", Mode: types.CheapestHours{DailyOnDuration: 90 * time.Minute}}
		entries, err := e.Plan(policy, slots, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("target above available turns everything on", func(t *testing.T) {
		policy := types.ControlPolicy{ID: "p1", Mode: types.CheapestHours{DailyOnDuration: 12 * time.Hour}}
		entries, err := e.Plan(policy, slots, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, entries, len(slots))
	})
}

func TestPlanManualIgnoresPrices(t *testing.T) {
	e := New(nil, nil)
	policy := types.ControlPolicy{ID: "p1", Mode: types.Manual{On: true}}
	windowEnd := day.Add(24 * time.Hour)

	cheap, err := e.Plan(policy, hourSlots(day, 1, 1, 1), day, windowEnd)
	require.NoError(t, err)
	expensive, err := e.Plan(policy, hourSlots(day, 99, 99, 99), day, windowEnd)
	require.NoError(t, err)

	// price data never changes manual output
	assert.Equal(t, cheap, expensive)
	require.Len(t, cheap, 1)
	assert.Equal(t, day, cheap[0].TSStart)
	assert.Equal(t, windowEnd, cheap[0].TSEnd)
	assert.True(t, cheap[0].On)

	policy.Mode = types.Manual{On: false}
	off, err := e.Plan(policy, nil, day, windowEnd)
	require.NoError(t, err)
	require.Len(t, off, 1)
	assert.False(t, off[0].On)
}

func TestPlanScheduledGeneratesNothing(t *testing.T) {
	e := New(nil, nil)
	policy := types.ControlPolicy{ID: "p1", Mode: types.Scheduled{}}
	entries, err := e.Plan(policy, hourSlots(day, 1, 2, 3), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateIdempotent(t *testing.T) {
	ctx := context.Background()
	prices := &fakePrices{slots: hourSlots(day, 2, 8, 3)}
	store := newFakeStore()
	e := New(prices, store)

	policies := []types.ControlPolicy{{ID: "p1", Timezone: "UTC", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}}}
	windowEnd := day.Add(24 * time.Hour)

	require.NoError(t, e.Generate(ctx, policies, day, windowEnd, types.StatusFinal))
	require.Equal(t, 2, store.inserted)
	first := make(map[string]types.ScheduleEntry, len(store.entries))
	for k, v := range store.entries {
		first[k] = v
	}

	require.NoError(t, e.Generate(ctx, policies, day, windowEnd, types.StatusFinal))
	assert.Equal(t, 2, store.inserted, "second run must not insert duplicates")
	assert.Equal(t, first, store.entries, "second run must not rewrite entries")
}

func TestGeneratePromotesPlannedToFinal(t *testing.T) {
	ctx := context.Background()
	prices := &fakePrices{slots: hourSlots(day, 2)}
	store := newFakeStore()
	e := New(prices, store)

	policies := []types.ControlPolicy{{ID: "p1", Timezone: "UTC", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}}}
	windowEnd := day.Add(24 * time.Hour)

	// tomorrow pass writes PLANNED
	require.NoError(t, e.Generate(ctx, policies, day, windowEnd, types.StatusPlanned))
	// pretend the stored price drifted so we can detect overwrites
	for k, v := range store.entries {
		v.CentsPerKWH = 2.5
		store.entries[k] = v
	}

	// today pass promotes without rewriting the row
	require.NoError(t, e.Generate(ctx, policies, day, windowEnd, types.StatusFinal))
	require.Len(t, store.entries, 1)
	for _, v := range store.entries {
		assert.Equal(t, types.StatusFinal, v.Status)
		assert.Equal(t, 2.5, v.CentsPerKWH, "promotion must not overwrite the existing row's price")
	}
}

func TestGenerateNoPricesSkipsPolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e := New(&fakePrices{}, store)

	policies := []types.ControlPolicy{
		{ID: "priced", Timezone: "UTC", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}},
		{ID: "manual", Timezone: "UTC", Mode: types.Manual{On: true}},
	}
	err := e.Generate(ctx, policies, day, day.Add(24*time.Hour), types.StatusFinal)

	// the priced policy fails with ErrNoPrices, manual still materializes
	require.ErrorIs(t, err, ErrNoPrices)
	assert.Contains(t, err.Error(), "priced")
	assert.Len(t, store.entries, 1)
}

func TestGeneratePartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	prices := &fakePrices{slots: hourSlots(day, 2, 8)}
	store := newFakeStore()
	e := New(prices, store)

	policies := []types.ControlPolicy{
		{ID: "broken", Timezone: "UTC", Mode: nil},
		{ID: "ok", Timezone: "UTC", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}},
	}
	err := e.Generate(ctx, policies, day, day.Add(24*time.Hour), types.StatusFinal)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	// the broken policy must not block the other one
	require.Len(t, store.entries, 1)
	for _, v := range store.entries {
		assert.Equal(t, "ok", v.ControlID)
	}
}

func TestGenerateThresholdScenario(t *testing.T) {
	// raw market prices 80 and 20 EUR/MWh arrive as 8c and 2c per kWh
	ctx := context.Background()
	prices := &fakePrices{slots: hourSlots(day, 8, 2)}
	store := newFakeStore()
	e := New(prices, store)

	policies := []types.ControlPolicy{{ID: "p1", Timezone: "UTC", Mode: types.BelowMaxPrice{MaxCentsPerKWH: 5}}}
	require.NoError(t, e.Generate(ctx, policies, day, day.Add(24*time.Hour), types.StatusFinal))

	require.Len(t, store.entries, 1)
	for _, v := range store.entries {
		assert.Equal(t, day.Add(time.Hour), v.TSStart)
		assert.Equal(t, day.Add(2*time.Hour), v.TSEnd)
		assert.Equal(t, 2.0, v.CentsPerKWH)
		assert.True(t, v.On)
	}
}
