package model

import (
	"encoding/json"
	"fmt"
)

// Action defines how a device is curtailed when the household is over limit.
type Action int

const (
	ActionTurnOff Action = iota
	ActionDim
	ActionTargetTemperature
	ActionChargePause
	ActionDynamicCurrent
	ActionSteppedPower
)

var actionNames = map[Action]string{
	ActionTurnOff:           "turn_off",
	ActionDim:               "dim",
	ActionTargetTemperature: "target_temperature",
	ActionChargePause:       "charge_pause",
	ActionDynamicCurrent:    "dynamic_current",
	ActionSteppedPower:      "stepped_power",
}

// String returns the configuration name of the action.
func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction converts a configuration name into an Action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalJSON accepts the action name as a string.
func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}

// MarshalJSON encodes the action name as a string.
func (a Action) MarshalJSON() ([]byte, error) {
	b, err := a.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(b))
}
