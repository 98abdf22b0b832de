// Package charger computes the charging current of EV chargers from the
// household load so the total stays under the effective limit.
package charger

import (
	"math"
	"time"
)

const (
	// MaxCurrentA is the highest current the allocator ever assigns.
	MaxCurrentA = 32.0
	// MinCurrentA is the lowest stable charging current. Below it the
	// charger is paused.
	MinCurrentA = 6.0
	// SafetyMarginW keeps the target away from the limit boundary.
	SafetyMarginW = 200.0
	// MinDeltaA is the smallest change worth sending to a charger.
	MinDeltaA = 1.0
	// Cooldown separates two adjustments of the same charger.
	Cooldown = 5 * time.Second

	// SinglePhaseVoltage converts watts to amps on one phase.
	SinglePhaseVoltage = 230.0
	// ThreePhaseVoltage converts watts to amps for three phase chargers. It
	// matches the current/power ratio reported by the chargers rather than
	// the line formula.
	ThreePhaseVoltage = 692.0
)

// Input is what the allocator needs to know about one charger and the house.
type Input struct {
	SmoothedW      float64
	EffectiveLimit float64
	ChargerPowerW  float64
	Phases         int
	CircuitLimitA  float64
}

// Target is the allocator decision. A nil Current means pause.
type Target struct {
	Current *float64
	Full    bool
	// AvailableW is the power budget left for the charger, for logging.
	AvailableW float64
}

// Paused reports whether the charger should be stopped.
func (t Target) Paused() bool { return t.Current == nil }

// Voltage returns the conversion factor for the phase count.
func Voltage(phases int) float64 {
	if phases == 3 {
		return ThreePhaseVoltage
	}
	return SinglePhaseVoltage
}

// FullCurrent is the charger ceiling: min(MaxCurrentA, circuit limit). Targets
// are whole amps, so a fractional circuit limit is rounded down.
func FullCurrent(circuitLimitA float64) float64 {
	limit := math.Floor(circuitLimitA)
	if limit <= 0 {
		return MaxCurrentA
	}
	return math.Min(MaxCurrentA, limit)
}

// Allocate computes the target current for one charger.
func Allocate(in Input) Target {
	full := FullCurrent(in.CircuitLimitA)
	overload := math.Max(0, in.SmoothedW-in.EffectiveLimit)
	if overload == 0 {
		return Target{Current: &full, Full: true, AvailableW: in.EffectiveLimit - (in.SmoothedW - in.ChargerPowerW)}
	}
	nonCharger := in.SmoothedW - in.ChargerPowerW
	available := in.EffectiveLimit - nonCharger - SafetyMarginW
	current := math.Floor(available / Voltage(in.Phases))
	if current < MinCurrentA {
		return Target{AvailableW: available}
	}
	if current >= full {
		return Target{Current: &full, Full: true, AvailableW: available}
	}
	return Target{Current: &current, AvailableW: available}
}

// ShouldApply reports whether the new target differs enough from the
// tracked one. tracked is nil when the charger is paused, and full when it
// is not in the ledger.
func ShouldApply(tracked *float64, next Target) bool {
	switch {
	case tracked == nil && next.Current == nil:
		return false
	case tracked == nil || next.Current == nil:
		return true
	}
	return math.Abs(*next.Current-*tracked) >= MinDeltaA
}
