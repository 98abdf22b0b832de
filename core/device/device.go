// Package device defines the boundary to the home automation platform that
// owns the controllable loads.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Capability names used by the guard.
const (
	CapOnOff          = "onoff"
	CapChargingToggle = "evcharger_charging"
	CapDim            = "dim"
	CapTargetTemp     = "target_temperature"
	CapThermostatMode = "thermostat_mode"
	CapMaxPower       = "max_power"
	CapMaxPower3000   = "max_power_3000"
	CapChargerCurrent = "target_charger_current"
	CapMeasurePower   = "measure_power"
)

// ThermostatModeManual is the thermostat mode that disables cloud schedules.
const ThermostatModeManual = "manual"

var (
	// ErrNotFound is returned when the registry does not know the device.
	ErrNotFound = errors.New("device not found")
	// ErrUnknownCapability is returned when writing a capability the device
	// does not expose.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Device is the live view of a device: its capability set and values.
type Device struct {
	ID     string
	Name   string
	Values map[string]any
}

// Has reports whether the device exposes the capability.
func (d Device) Has(capability string) bool {
	_, ok := d.Values[capability]
	return ok
}

// Bool returns the capability value as a boolean.
func (d Device) Bool(capability string) (bool, bool) {
	v, ok := d.Values[capability]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Float returns the capability value as a float64.
func (d Device) Float(capability string) (float64, bool) {
	v, ok := d.Values[capability]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Text returns the capability value as a string.
func (d Device) Text(capability string) (string, bool) {
	v, ok := d.Values[capability]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// ToFloat converts numeric capability values decoded from JSON or set in
// memory to float64.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Registry gives access to devices and their capabilities.
type Registry interface {
	// GetDevice returns the current capability values of a device or
	// ErrNotFound.
	GetDevice(ctx context.Context, id string) (Device, error)

	// SetCapabilityValue writes one capability value to the device.
	SetCapabilityValue(ctx context.Context, id, capability string, value any) error

	// SubscribeCapability registers fn for changes of the capability and
	// returns a function that removes the subscription.
	SubscribeCapability(id, capability string, fn func(value any)) (func(), error)
}
