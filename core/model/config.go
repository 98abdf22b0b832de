package model

import (
	"errors"
	"fmt"
	"sort"
)

// PriorityEntry is a controllable load with its curtailment order and action.
type PriorityEntry struct {
	DeviceID          string `json:"device_id"`
	Name              string `json:"name"`
	Priority          int    `json:"priority"`
	Action            Action `json:"action"`
	Enabled           bool   `json:"enabled"`
	MinRuntimeSeconds int    `json:"min_runtime_seconds"`
	MinOffTimeSeconds int    `json:"min_off_time_seconds"`

	// Charger specific settings.
	CircuitLimitA float64 `json:"circuit_limit_a"`
	ChargerPhases int     `json:"charger_phases"`
}

// DisplayName returns the configured name or the device id.
func (e PriorityEntry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.DeviceID
}

// Config holds the guard settings. It can be replaced at any time.
type Config struct {
	Enabled         bool    `json:"enabled"`
	PowerLimitW     float64 `json:"power_limit_w"`
	ProfileFactor   float64 `json:"profile_factor"`
	SmoothingWindow int     `json:"smoothing_window"`
	SpikeMultiplier float64 `json:"spike_multiplier"`
	HysteresisCount int     `json:"hysteresis_count"`
	CooldownSeconds int     `json:"cooldown_seconds"`

	// Profile names the active profile. When Profiles contains it, its
	// factor replaces ProfileFactor.
	Profile  string             `json:"profile"`
	Profiles map[string]float64 `json:"profiles"`

	PriorityList []PriorityEntry `json:"priority_list"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ProfileFactor == 0 {
		c.ProfileFactor = 1
	}
	if c.SmoothingWindow == 0 {
		c.SmoothingWindow = 5
	}
	if c.SpikeMultiplier == 0 {
		c.SpikeMultiplier = 3
	}
	if c.HysteresisCount == 0 {
		c.HysteresisCount = 3
	}
	if c.Profile == "" {
		c.Profile = "normal"
	}
	for i := range c.PriorityList {
		if c.PriorityList[i].Action == ActionDynamicCurrent && c.PriorityList[i].ChargerPhases == 0 {
			c.PriorityList[i].ChargerPhases = 1
		}
	}
}

// Validate checks the settings for values the engine cannot work with.
func (c Config) Validate() error {
	if c.PowerLimitW < 0 {
		return errors.New("power_limit_w must not be negative")
	}
	if c.Enabled && c.PowerLimitW == 0 {
		return errors.New("power_limit_w is required when the guard is enabled")
	}
	if c.SmoothingWindow < 1 {
		return errors.New("smoothing_window must be at least 1")
	}
	if c.SpikeMultiplier <= 1 {
		return errors.New("spike_multiplier must be greater than 1")
	}
	if c.HysteresisCount < 1 {
		return errors.New("hysteresis_count must be at least 1")
	}
	if c.CooldownSeconds < 0 {
		return errors.New("cooldown_seconds must not be negative")
	}
	seen := make(map[string]bool, len(c.PriorityList))
	for _, e := range c.PriorityList {
		if e.DeviceID == "" {
			return fmt.Errorf("priority entry %q: device_id is required", e.Name)
		}
		if seen[e.DeviceID] {
			return fmt.Errorf("duplicate device_id %s", e.DeviceID)
		}
		seen[e.DeviceID] = true
		if e.Action == ActionDynamicCurrent && e.ChargerPhases != 1 && e.ChargerPhases != 3 {
			return fmt.Errorf("device %s: charger_phases must be 1 or 3", e.DeviceID)
		}
	}
	return nil
}

// Active reports whether the guard has something to enforce. Without a
// limit there is nothing to do, even when enabled.
func (c Config) Active() bool {
	return c.Enabled && c.PowerLimitW > 0
}

// Factor returns the multiplier of the active profile.
func (c Config) Factor() float64 {
	if f, ok := c.Profiles[c.Profile]; ok && f > 0 {
		return f
	}
	if c.ProfileFactor <= 0 {
		return 1
	}
	return c.ProfileFactor
}

// EffectiveLimitW is the configured limit scaled by the active profile.
func (c Config) EffectiveLimitW() float64 {
	return c.PowerLimitW * c.Factor()
}

// SortedPriorityList returns a copy of the priority list ordered by
// ascending priority. Entries with equal priority keep their configured order.
func (c Config) SortedPriorityList() []PriorityEntry {
	out := make([]PriorityEntry, len(c.PriorityList))
	copy(out, c.PriorityList)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Entry looks up the priority entry for the given device.
func (c Config) Entry(deviceID string) (PriorityEntry, bool) {
	for _, e := range c.PriorityList {
		if e.DeviceID == deviceID {
			return e, true
		}
	}
	return PriorityEntry{}, false
}

// Clone returns a deep copy so callers can hand the config to another
// goroutine.
func (c Config) Clone() Config {
	out := c
	out.PriorityList = make([]PriorityEntry, len(c.PriorityList))
	copy(out.PriorityList, c.PriorityList)
	if c.Profiles != nil {
		out.Profiles = make(map[string]float64, len(c.Profiles))
		for k, v := range c.Profiles {
			out.Profiles[k] = v
		}
	}
	return out
}
