package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode names as stored and exposed over the API.
const (
	ModeBelowMaxPrice = "BELOW_MAX_PRICE"
	ModeCheapestHours = "CHEAPEST_HOURS"
	ModeManual        = "MANUAL"
	ModeScheduled     = "SCHEDULED"
)

// ControlMode is the closed set of behaviors a control can be configured with.
// Each variant carries only the fields its decision procedure needs. The
// scheduling engine dispatches on the concrete type; an unknown variant is a
// programming error, not a silently skipped branch.
type ControlMode interface {
	// Name returns the wire name of the mode.
	Name() string
}

// BelowMaxPrice turns the control on for every slot priced at or below the
// threshold. The comparison is inclusive: a slot exactly at the threshold is on.
type BelowMaxPrice struct {
	MaxCentsPerKWH float64
}

// Name implements ControlMode.
func (BelowMaxPrice) Name() string { return ModeBelowMaxPrice }

// CheapestHours turns the control on for the cheapest slots of the day until
// the cumulative on-time reaches DailyOnDuration.
type CheapestHours struct {
	DailyOnDuration time.Duration
}

// Name implements ControlMode.
func (CheapestHours) Name() string { return ModeCheapestHours }

// Manual pins the whole day to a fixed state, ignoring prices entirely.
type Manual struct {
	On bool
}

// Name implements ControlMode.
func (Manual) Name() string { return ModeManual }

// Scheduled marks a control whose entries are authored by the user through the
// editing surface. The engine never generates or deletes rows for it.
type Scheduled struct{}

// Name implements ControlMode.
func (Scheduled) Name() string { return ModeScheduled }

// ControlPolicy is one user-configured control: how and when its output should
// be switched. It is read-only to the scheduling engine.
type ControlPolicy struct {
	ID       string
	OwnerID  string
	Name     string
	Timezone string
	Mode     ControlMode
	// TaxRate is applied when presenting tax-inclusive prices to the user.
	// It plays no part in the on/off decision.
	TaxRate float64
}

// Location resolves the policy's IANA timezone.
func (p ControlPolicy) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// Validate checks the policy is complete enough to schedule.
func (p ControlPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	if p.Mode == nil {
		return fmt.Errorf("policy mode is required")
	}
	switch m := p.Mode.(type) {
	case BelowMaxPrice, Manual, Scheduled:
	case CheapestHours:
		if m.DailyOnDuration < 0 || m.DailyOnDuration > 24*time.Hour {
			return fmt.Errorf("dailyOnDuration must be between 0 and 24h, got %s", m.DailyOnDuration)
		}
	default:
		return fmt.Errorf("unknown policy mode %T", p.Mode)
	}
	if p.TaxRate < 0 {
		return fmt.Errorf("taxRate cannot be negative")
	}
	return nil
}

// policyJSON is the flat wire/storage form of a ControlPolicy. The mode
// discriminator selects which of the optional fields are meaningful.
type policyJSON struct {
	ID       string  `json:"id"`
	OwnerID  string  `json:"ownerID"`
	Name     string  `json:"name"`
	Timezone string  `json:"timezone"`
	TaxRate  float64 `json:"taxRate"`
	Mode     string  `json:"mode"`

	MaxCentsPerKWH float64 `json:"maxCentsPerKWH,omitempty"`
	DailyOnMinutes int     `json:"dailyOnMinutes,omitempty"`
	ManualOn       bool    `json:"manualOn,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p ControlPolicy) MarshalJSON() ([]byte, error) {
	out := policyJSON{
		ID:       p.ID,
		OwnerID:  p.OwnerID,
		Name:     p.Name,
		Timezone: p.Timezone,
		TaxRate:  p.TaxRate,
	}
	switch m := p.Mode.(type) {
	case BelowMaxPrice:
		out.Mode = ModeBelowMaxPrice
		out.MaxCentsPerKWH = m.MaxCentsPerKWH
	case CheapestHours:
		out.Mode = ModeCheapestHours
		out.DailyOnMinutes = int(m.DailyOnDuration / time.Minute)
	case Manual:
		out.Mode = ModeManual
		out.ManualOn = m.On
	case Scheduled:
		out.Mode = ModeScheduled
	default:
		return nil, fmt.Errorf("cannot marshal policy mode %T", p.Mode)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ControlPolicy) UnmarshalJSON(b []byte) error {
	var in policyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	p.ID = in.ID
	p.OwnerID = in.OwnerID
	p.Name = in.Name
	p.Timezone = in.Timezone
	p.TaxRate = in.TaxRate
	switch in.Mode {
	case ModeBelowMaxPrice:
		p.Mode = BelowMaxPrice{MaxCentsPerKWH: in.MaxCentsPerKWH}
	case ModeCheapestHours:
		p.Mode = CheapestHours{DailyOnDuration: time.Duration(in.DailyOnMinutes) * time.Minute}
	case ModeManual:
		p.Mode = Manual{On: in.ManualOn}
	case ModeScheduled:
		p.Mode = Scheduled{}
	default:
		return fmt.Errorf("unknown policy mode %q", in.Mode)
	}
	return nil
}
