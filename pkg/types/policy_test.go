package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlPolicyJSON(t *testing.T) {
	p := ControlPolicy{
		ID:       "abc",
		OwnerID:  "user1",
		Name:     "Water Heater",
		Timezone: "Europe/Berlin",
		TaxRate:  0.19,
		Mode:     CheapestHours{DailyOnDuration: 4 * time.Hour},
	}

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"mode":"CHEAPEST_HOURS"`)
	assert.Contains(t, string(b), `"dailyOnMinutes":240`)

	var got ControlPolicy
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, p, got)
}

func TestControlPolicyJSONUnknownMode(t *testing.T) {
	var p ControlPolicy
	err := json.Unmarshal([]byte(`{"id":"x","mode":"TURBO"}`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURBO")
}

func TestControlPolicyValidate(t *testing.T) {
	valid := ControlPolicy{
		Name:     "Heater",
		Timezone: "Europe/Helsinki",
		Mode:     BelowMaxPrice{MaxCentsPerKWH: 5},
	}
	require.NoError(t, valid.Validate())

	t.Run("missing name", func(t *testing.T) {
		p := valid
		p.Name = ""
		assert.Error(t, p.Validate())
	})

	t.Run("bad timezone", func(t *testing.T) {
		p := valid
		p.Timezone = "Mars/Olympus"
		assert.Error(t, p.Validate())
	})

	t.Run("missing mode", func(t *testing.T) {
		p := valid
		p.Mode = nil
		assert.Error(t, p.Validate())
	})

	t.Run("cheapest hours over a day", func(t *testing.T) {
		p := valid
		p.Mode = CheapestHours{DailyOnDuration: 25 * time.Hour}
		assert.Error(t, p.Validate())
	})
}

func TestScheduleEntryCovers(t *testing.T) {
	start := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	e := ScheduleEntry{TSStart: start, TSEnd: start.Add(time.Hour)}

	assert.True(t, e.Covers(start))
	assert.True(t, e.Covers(start.Add(30*time.Minute)))
	// half-open: the end instant is not covered
	assert.False(t, e.Covers(start.Add(time.Hour)))
	assert.False(t, e.Covers(start.Add(-time.Second)))
}
