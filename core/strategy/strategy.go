// Package strategy maps a priority entry action and the live capability set
// of a device to the capability writes that curtail it, and to the writes
// that undo them.
//
// Each action has an ordered list of kinds. The first kind whose
// capabilities the device exposes is used. Resolution happens on every call
// so a device that changes its capability set is handled correctly.
package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/model"
)

const (
	// SetbackDelta is the thermostat setpoint reduction in degrees.
	SetbackDelta = 3.0
	// SetbackFloor is the lowest setpoint the guard will write.
	SetbackFloor = 5.0
	// DimFloor is the brightness used for dimmed lights.
	DimFloor = 0.10
	// ChargerStepA is the current reduction of the generic charger strategy.
	ChargerStepA = 4.0
	// ChargerMinA is the lowest current a charger is run at.
	ChargerMinA = 6.0
)

var (
	// ErrNotApplicable is returned when the device is already at its
	// minimum state or exposes none of the capabilities the action needs.
	ErrNotApplicable = errors.New("action not applicable")
	// ErrDeviceIO wraps failures reported by the device registry.
	ErrDeviceIO = errors.New("device i/o failed")
)

// Change is a single capability write.
type Change struct {
	Capability string
	Value      any
}

// Kind is one concrete way of curtailing a device.
type Kind struct {
	Name string
	// Requires lists capabilities that must all be present.
	Requires []string
	// Touches lists capabilities captured in the snapshot.
	Touches []string
	apply   func(device.Device) ([]Change, error)
	restore func(device.Device, model.DeviceSnapshot) []Change
}

// SteppedTiers lists the known stepped power capabilities with their tiers,
// highest first.
var SteppedTiers = map[string][]string{
	device.CapMaxPower:     {"high_power", "medium_power", "low_power"},
	device.CapMaxPower3000: {"3000", "1750", "1250"},
}

var (
	switchOff = Kind{
		Name:     "switch",
		Requires: []string{device.CapOnOff},
		Touches:  []string{device.CapOnOff},
		apply:    toggleOff(device.CapOnOff),
		restore:  restoreValues(device.CapOnOff),
	}
	chargingOff = Kind{
		Name:     "charging_toggle",
		Requires: []string{device.CapChargingToggle},
		Touches:  []string{device.CapChargingToggle},
		apply:    toggleOff(device.CapChargingToggle),
		restore:  restoreValues(device.CapChargingToggle),
	}
	thermostatFallback = Kind{
		Name:     "thermostat_setback",
		Requires: []string{device.CapTargetTemp},
		Touches:  []string{device.CapTargetTemp},
		apply:    setback(false),
		restore:  restoreValues(device.CapTargetTemp),
	}
	thermostat = Kind{
		Name:     "thermostat",
		Requires: []string{device.CapTargetTemp},
		Touches:  []string{device.CapTargetTemp, device.CapThermostatMode},
		apply:    setback(true),
		restore:  restoreValues(device.CapTargetTemp, device.CapThermostatMode),
	}
	dimmer = Kind{
		Name:     "dimmer",
		Requires: []string{device.CapDim},
		Touches:  []string{device.CapDim},
		apply:    dimDown,
		restore:  restoreValues(device.CapDim),
	}
	charger = Kind{
		Name:     "charger_current",
		Requires: []string{device.CapChargerCurrent},
		Touches:  []string{device.CapChargerCurrent, device.CapOnOff, device.CapChargingToggle},
		apply:    chargerStepDown,
		restore:  restoreValues(device.CapChargerCurrent, device.CapChargingToggle, device.CapOnOff),
	}
)

func stepped(capability string) Kind {
	return Kind{
		Name:     "stepped_" + capability,
		Requires: []string{capability},
		Touches:  []string{capability, device.CapOnOff},
		apply:    stepDown(capability),
		restore:  restoreValues(capability, device.CapOnOff),
	}
}

// table holds the fallback chain for every action.
var table = map[model.Action][]Kind{
	model.ActionTurnOff:           {switchOff, chargingOff, thermostatFallback},
	model.ActionChargePause:       {switchOff, chargingOff, thermostatFallback},
	model.ActionDim:               {dimmer, switchOff},
	model.ActionTargetTemperature: {thermostat},
	model.ActionSteppedPower:      {stepped(device.CapMaxPower), stepped(device.CapMaxPower3000), switchOff},
	model.ActionDynamicCurrent:    {charger, switchOff, chargingOff},
}

// Chain returns the fallback chain for the action.
func Chain(a model.Action) []Kind {
	return table[a]
}

// Resolve returns the first kind of the action chain the device supports.
func Resolve(a model.Action, dev device.Device) (Kind, error) {
	for _, k := range table[a] {
		if k.supports(dev) {
			return k, nil
		}
	}
	return Kind{}, fmt.Errorf("%s on %s: no supported capability: %w", a, dev.ID, ErrNotApplicable)
}

func (k Kind) supports(dev device.Device) bool {
	for _, c := range k.Requires {
		if !dev.Has(c) {
			return false
		}
	}
	return true
}

// Snapshot captures the values the kind may change.
func (k Kind) Snapshot(dev device.Device) model.DeviceSnapshot {
	snap := make(model.DeviceSnapshot, len(k.Touches))
	for _, c := range k.Touches {
		if v, ok := dev.Values[c]; ok {
			snap[c] = v
		}
	}
	return snap
}

// Plan returns the writes that reduce the device draw, or ErrNotApplicable
// when the device is already at its minimum.
func (k Kind) Plan(dev device.Device) ([]Change, error) {
	return k.apply(dev)
}

// Inverse returns the writes that bring the device back to the snapshot.
func (k Kind) Inverse(dev device.Device, snap model.DeviceSnapshot) []Change {
	return k.restore(dev, snap)
}

// PlanApply resolves the action against the device and plans the writes.
func PlanApply(a model.Action, dev device.Device) (Kind, []Change, error) {
	k, err := Resolve(a, dev)
	if err != nil {
		return Kind{}, nil, err
	}
	changes, err := k.Plan(dev)
	if err != nil {
		return k, nil, err
	}
	return k, changes, nil
}

// PlanRestore plans the writes that undo a mitigation. The snapshot decides
// which kind was used: the first kind of the chain whose touched
// capabilities are all recorded in the snapshot, falling back to the live
// device capabilities.
func PlanRestore(a model.Action, dev device.Device, snap model.DeviceSnapshot) ([]Change, error) {
	for _, k := range table[a] {
		if k.recordedIn(snap) {
			return k.Inverse(dev, snap), nil
		}
	}
	k, err := Resolve(a, dev)
	if err != nil {
		return nil, err
	}
	changes := k.Inverse(dev, snap)
	if len(changes) == 0 {
		return nil, fmt.Errorf("%s on %s: empty snapshot: %w", a, dev.ID, ErrNotApplicable)
	}
	return changes, nil
}

func (k Kind) recordedIn(snap model.DeviceSnapshot) bool {
	for _, c := range k.Requires {
		if _, ok := snap[c]; !ok {
			return false
		}
	}
	return len(k.Requires) > 0
}

func toggleOff(capability string) func(device.Device) ([]Change, error) {
	return func(dev device.Device) ([]Change, error) {
		on, ok := dev.Bool(capability)
		if ok && !on {
			return nil, fmt.Errorf("%s already off: %w", dev.ID, ErrNotApplicable)
		}
		return []Change{{Capability: capability, Value: false}}, nil
	}
}

func setback(forceManual bool) func(device.Device) ([]Change, error) {
	return func(dev device.Device) ([]Change, error) {
		t, ok := dev.Float(device.CapTargetTemp)
		if !ok {
			return nil, fmt.Errorf("%s: unreadable setpoint: %w", dev.ID, ErrNotApplicable)
		}
		if t <= SetbackFloor {
			return nil, fmt.Errorf("%s already at floor temperature: %w", dev.ID, ErrNotApplicable)
		}
		var changes []Change
		if forceManual {
			if mode, ok := dev.Text(device.CapThermostatMode); ok && mode != device.ThermostatModeManual {
				changes = append(changes, Change{Capability: device.CapThermostatMode, Value: device.ThermostatModeManual})
			}
		}
		return append(changes, Change{Capability: device.CapTargetTemp, Value: math.Max(SetbackFloor, t-SetbackDelta)}), nil
	}
}

func dimDown(dev device.Device) ([]Change, error) {
	level, ok := dev.Float(device.CapDim)
	if ok && level <= DimFloor {
		return nil, fmt.Errorf("%s already dimmed: %w", dev.ID, ErrNotApplicable)
	}
	if on, ok := dev.Bool(device.CapOnOff); ok && !on {
		return nil, fmt.Errorf("%s already off: %w", dev.ID, ErrNotApplicable)
	}
	return []Change{{Capability: device.CapDim, Value: DimFloor}}, nil
}

func stepDown(capability string) func(device.Device) ([]Change, error) {
	tiers := SteppedTiers[capability]
	return func(dev device.Device) ([]Change, error) {
		cur, _ := dev.Text(capability)
		idx := indexOf(tiers, cur)
		if idx >= 0 && idx < len(tiers)-1 {
			return []Change{{Capability: capability, Value: tiers[idx+1]}}, nil
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s: unknown tier %q: %w", dev.ID, cur, ErrNotApplicable)
		}
		// lowest tier: switch off
		if !dev.Has(device.CapOnOff) {
			return nil, fmt.Errorf("%s at lowest tier: %w", dev.ID, ErrNotApplicable)
		}
		if on, ok := dev.Bool(device.CapOnOff); ok && !on {
			return nil, fmt.Errorf("%s at lowest tier and off: %w", dev.ID, ErrNotApplicable)
		}
		return []Change{{Capability: device.CapOnOff, Value: false}}, nil
	}
}

func chargerStepDown(dev device.Device) ([]Change, error) {
	toggle := ""
	switch {
	case dev.Has(device.CapChargingToggle):
		toggle = device.CapChargingToggle
	case dev.Has(device.CapOnOff):
		toggle = device.CapOnOff
	}
	if toggle != "" {
		if on, ok := dev.Bool(toggle); ok && !on {
			return nil, fmt.Errorf("%s already paused: %w", dev.ID, ErrNotApplicable)
		}
	}
	cur, ok := dev.Float(device.CapChargerCurrent)
	if !ok {
		return nil, fmt.Errorf("%s: unreadable current: %w", dev.ID, ErrNotApplicable)
	}
	next := cur - ChargerStepA
	if next >= ChargerMinA {
		return []Change{{Capability: device.CapChargerCurrent, Value: next}}, nil
	}
	if toggle == "" {
		return nil, fmt.Errorf("%s at minimum current: %w", dev.ID, ErrNotApplicable)
	}
	return []Change{{Capability: toggle, Value: false}}, nil
}

// restoreValues writes back every listed capability recorded in the
// snapshot, in order.
func restoreValues(capabilities ...string) func(device.Device, model.DeviceSnapshot) []Change {
	return func(_ device.Device, snap model.DeviceSnapshot) []Change {
		var out []Change
		for _, c := range capabilities {
			if v, ok := snap[c]; ok {
				out = append(out, Change{Capability: c, Value: v})
			}
		}
		return out
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// SnapshotFor captures the state the action may change on the device.
func SnapshotFor(a model.Action, dev device.Device) (model.DeviceSnapshot, error) {
	k, err := Resolve(a, dev)
	if err != nil {
		return nil, err
	}
	return k.Snapshot(dev), nil
}
