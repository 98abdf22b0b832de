package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := Config{
		Enabled:     true,
		PowerLimitW: 10000,
		Profiles:    map[string]float64{"normal": 1, "eco": 0.6},
		PriorityList: []PriorityEntry{
			{DeviceID: "ev", Priority: 2, Action: ActionDynamicCurrent, Enabled: true},
			{DeviceID: "heater", Priority: 1, Action: ActionTurnOff, Enabled: true},
		},
	}
	c.SetDefaults()
	return c
}

func TestConfig_Defaults(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 5, c.SmoothingWindow)
	assert.Equal(t, 3.0, c.SpikeMultiplier)
	assert.Equal(t, 3, c.HysteresisCount)
	assert.Equal(t, "normal", c.Profile)
	assert.Equal(t, 1, c.PriorityList[0].ChargerPhases)
	require.NoError(t, c.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"negative limit": func(c *Config) { c.PowerLimitW = -1 },
		"missing limit":  func(c *Config) { c.PowerLimitW = 0 },
		"window":         func(c *Config) { c.SmoothingWindow = 0 },
		"spike":          func(c *Config) { c.SpikeMultiplier = 1 },
		"hysteresis":     func(c *Config) { c.HysteresisCount = 0 },
		"cooldown":       func(c *Config) { c.CooldownSeconds = -5 },
		"missing id":     func(c *Config) { c.PriorityList[1].DeviceID = "" },
		"duplicate":      func(c *Config) { c.PriorityList[1].DeviceID = "ev" },
		"charger phases": func(c *Config) { c.PriorityList[0].ChargerPhases = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_Active(t *testing.T) {
	c := validConfig()
	assert.True(t, c.Active())
	c.PowerLimitW = 0
	assert.False(t, c.Active(), "no limit means nothing to enforce")
	c.Enabled = false
	require.NoError(t, c.Validate(), "a disabled guard needs no limit")
}

func TestConfig_EffectiveLimit(t *testing.T) {
	c := validConfig()
	assert.InDelta(t, 10000, c.EffectiveLimitW(), 1e-9)
	c.Profile = "eco"
	assert.InDelta(t, 6000, c.EffectiveLimitW(), 1e-9)
	c.Profile = "unknown"
	c.ProfileFactor = 0.5
	assert.InDelta(t, 5000, c.EffectiveLimitW(), 1e-9)
	c.ProfileFactor = -2
	assert.InDelta(t, 10000, c.EffectiveLimitW(), 1e-9, "non positive factors count as 1")
}

func TestConfig_SortedAndClone(t *testing.T) {
	c := validConfig()
	sorted := c.SortedPriorityList()
	assert.Equal(t, "heater", sorted[0].DeviceID)
	assert.Equal(t, "ev", c.PriorityList[0].DeviceID, "original order kept")

	e, ok := c.Entry("ev")
	require.True(t, ok)
	assert.Equal(t, ActionDynamicCurrent, e.Action)
	_, ok = c.Entry("nope")
	assert.False(t, ok)

	cl := c.Clone()
	cl.PriorityList[0].Enabled = false
	cl.Profiles["eco"] = 0.1
	assert.True(t, c.PriorityList[0].Enabled)
	assert.Equal(t, 0.6, c.Profiles["eco"])
}

func TestAction_JSON(t *testing.T) {
	var e PriorityEntry
	require.NoError(t, json.Unmarshal([]byte(`{"device_id":"x","action":"stepped_power"}`), &e))
	assert.Equal(t, ActionSteppedPower, e.Action)

	b, err := json.Marshal(ActionTargetTemperature)
	require.NoError(t, err)
	assert.JSONEq(t, `"target_temperature"`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"action":"explode"}`), &e))
	_, err = Action(99).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "unknown", Action(99).String())
}

func TestMitigationRecord_CloneAndAllocated(t *testing.T) {
	target := 10.0
	r := MitigationRecord{
		DeviceID:       "ev",
		Action:         ActionDynamicCurrent,
		PreviousState:  DeviceSnapshot{"target_charger_current": 16.0},
		CurrentTargetA: &target,
	}
	assert.True(t, r.Allocated())
	cl := r.Clone()
	*cl.CurrentTargetA = 6
	cl.PreviousState["target_charger_current"] = 6.0
	assert.Equal(t, 10.0, *r.CurrentTargetA)
	assert.Equal(t, 16.0, r.PreviousState["target_charger_current"])

	r.CurrentTargetA = nil
	assert.False(t, r.Allocated())
	r.Paused = true
	assert.True(t, r.Allocated())
	assert.False(t, MitigationRecord{Action: ActionTurnOff, Paused: true}.Allocated())
}
