package types

import "time"

// Status describes whether a schedule entry is provisional or authoritative.
type Status string

const (
	// StatusPlanned marks entries computed ahead of time for a future day.
	// They are informational and never drive device actuation.
	StatusPlanned Status = "PLANNED"
	// StatusFinal marks entries for the current day. Devices act on these.
	StatusFinal Status = "FINAL"
)

// PriceSlot is one immutable interval from the day-ahead market feed.
// The interval is half-open: [TSStart, TSEnd). Prices are stored already
// converted to cent/kWh; the raw EUR/MWh market value times 0.1.
type PriceSlot struct {
	Feed        string    `json:"feed"`
	TSStart     time.Time `json:"tsStart"`
	TSEnd       time.Time `json:"tsEnd"`
	CentsPerKWH float64   `json:"centsPerKWH"`
}

// Duration returns the length of the slot.
func (p PriceSlot) Duration() time.Duration {
	return p.TSEnd.Sub(p.TSStart)
}

// ScheduleEntry is one materialized actuation decision for a control.
// At most one entry exists per (ControlID, TSStart, TSEnd); that key is the
// sole idempotency guard for schedule generation.
type ScheduleEntry struct {
	ControlID   string    `json:"controlID"`
	TSStart     time.Time `json:"tsStart"`
	TSEnd       time.Time `json:"tsEnd"`
	CentsPerKWH float64   `json:"centsPerKWH"`
	On          bool      `json:"on"`
	Status      Status    `json:"status"`
}

// Key returns the storage key for the entry's (start, end) interval.
func (e ScheduleEntry) Key() string {
	return e.TSStart.UTC().Format(time.RFC3339) + "_" + e.TSEnd.UTC().Format(time.RFC3339)
}

// Covers reports whether t falls inside the entry's half-open interval.
func (e ScheduleEntry) Covers(t time.Time) bool {
	return !t.Before(e.TSStart) && t.Before(e.TSEnd)
}

// DeviceBinding wires one channel of a physical device to the control whose
// schedule should drive it.
type DeviceBinding struct {
	DeviceID  string `json:"deviceID"`
	Channel   int    `json:"channel"`
	ControlID string `json:"controlID"`
}

// User represents a user of the system.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Admin bool   `json:"-"`
}
