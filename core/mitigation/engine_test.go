package mitigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/journal"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/settings"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type publisher struct {
	mu  sync.Mutex
	got []events.Notification
}

func (p *publisher) Publish(n events.Notification) {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
}

func (p *publisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.got))
	for i, n := range p.got {
		out[i] = n.Type
	}
	return out
}

func (p *publisher) last() events.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.got[len(p.got)-1]
}

type harness struct {
	reg    *device.MemoryRegistry
	store  *settings.MemoryStore
	pub    *publisher
	clock  *clock
	engine *Engine
}

func newHarness(t *testing.T, cfg model.Config) *harness {
	t.Helper()
	h := &harness{
		reg:   device.NewMemoryRegistry(),
		store: settings.NewMemoryStore(),
		pub:   &publisher{},
		clock: newClock(),
	}
	h.reg.Add("heater", "Heater", map[string]any{"onoff": true})
	h.reg.Add("boiler", "Boiler", map[string]any{"max_power": "high_power", "onoff": true})
	h.reg.Add("thermo", "Thermostat", map[string]any{"target_temperature": 21.0, "thermostat_mode": "auto"})
	h.reg.Add("ev", "Charger", map[string]any{
		"target_charger_current": 16.0,
		"measure_power":          7100.0,
		"evcharger_charging":     true,
	})
	e, err := NewEngine(Options{
		Registry:  h.reg,
		Settings:  h.store,
		Publisher: h.pub,
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	e.UpdateConfig(cfg)
	h.engine = e
	return h
}

func baseConfig(entries ...model.PriorityEntry) model.Config {
	return model.Config{
		Enabled:         true,
		PowerLimitW:     10000,
		CooldownSeconds: 60,
		PriorityList:    entries,
	}
}

func entry(id string, prio int, a model.Action) model.PriorityEntry {
	return model.PriorityEntry{DeviceID: id, Name: id, Priority: prio, Action: a, Enabled: true}
}

func ledgerIDs(recs []model.MitigationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.DeviceID
	}
	return out
}

func TestNewEngine_RequiresRegistry(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)
}

func TestTriggerMitigation_OneDevicePerCall(t *testing.T) {
	h := newHarness(t, baseConfig(
		entry("thermo", 2, model.ActionTargetTemperature),
		entry("heater", 1, model.ActionTurnOff),
	))
	ctx := context.Background()

	assert.True(t, h.engine.TriggerMitigation(ctx, 12000, false))
	assert.Equal(t, []string{"heater"}, ledgerIDs(h.engine.Ledger()))
	assert.Equal(t, false, h.reg.WritesFor("heater")[0].Value)
	assert.Empty(t, h.reg.WritesFor("thermo"))

	// main cooldown blocks the next device
	assert.False(t, h.engine.TriggerMitigation(ctx, 12000, false))
	assert.Len(t, h.engine.Ledger(), 1)

	h.clock.Advance(61 * time.Second)
	assert.True(t, h.engine.TriggerMitigation(ctx, 12000, false))
	assert.Equal(t, []string{"heater", "thermo"}, ledgerIDs(h.engine.Ledger()))

	n := h.pub.last()
	assert.Equal(t, events.MitigationApplied, n.Type)
	assert.Equal(t, "thermo", n.DeviceName)
	assert.Equal(t, model.ActionTargetTemperature, n.Action)
	assert.InDelta(t, 12000, n.PowerW, 1e-9)
}

func TestTriggerMitigation_ForceBypassesCooldown(t *testing.T) {
	h := newHarness(t, baseConfig(
		entry("heater", 1, model.ActionTurnOff),
		entry("thermo", 2, model.ActionTargetTemperature),
	))
	ctx := context.Background()
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, false))
	assert.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	assert.Len(t, h.engine.Ledger(), 2)
}

func TestTriggerMitigation_SkipsIneligible(t *testing.T) {
	disabled := entry("heater", 1, model.ActionTurnOff)
	disabled.Enabled = false
	runtime := entry("boiler", 2, model.ActionSteppedPower)
	runtime.MinRuntimeSeconds = 600
	h := newHarness(t, baseConfig(disabled, runtime, entry("thermo", 3, model.ActionTargetTemperature)))

	h.engine.ObserveDeviceState("boiler", true)
	h.clock.Advance(time.Minute)

	require.True(t, h.engine.TriggerMitigation(context.Background(), 12000, true))
	assert.Equal(t, []string{"thermo"}, ledgerIDs(h.engine.Ledger()))
	assert.Empty(t, h.reg.WritesFor("heater"))
	assert.Empty(t, h.reg.WritesFor("boiler"))
}

func TestTriggerMitigation_MinRuntimeFromSubscription(t *testing.T) {
	boiler := entry("boiler", 1, model.ActionSteppedPower)
	boiler.MinRuntimeSeconds = 300
	h := newHarness(t, baseConfig(boiler))
	ctx := context.Background()

	h.reg.Update("boiler", "onoff", true)
	h.clock.Advance(time.Minute)
	assert.False(t, h.engine.TriggerMitigation(ctx, 12000, true))

	h.clock.Advance(5 * time.Minute)
	assert.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	assert.Equal(t, "medium_power", h.reg.WritesFor("boiler")[0].Value)
}

func TestTriggerMitigation_FallsThroughOnFailure(t *testing.T) {
	h := newHarness(t, baseConfig(
		entry("heater", 1, model.ActionTurnOff),
		entry("thermo", 2, model.ActionTargetTemperature),
	))
	h.reg.Fail["heater"] = true

	require.True(t, h.engine.TriggerMitigation(context.Background(), 12000, false))
	assert.Equal(t, []string{"thermo"}, ledgerIDs(h.engine.Ledger()))
}

func TestTriggerMitigation_NothingApplicable(t *testing.T) {
	h := newHarness(t, baseConfig(entry("heater", 1, model.ActionTurnOff)))
	h.reg.Update("heater", "onoff", false)
	ctx := context.Background()

	assert.False(t, h.engine.TriggerMitigation(ctx, 12000, true))
	assert.False(t, h.engine.TriggerMitigation(ctx, 12000, true))
	assert.Empty(t, h.engine.Ledger())
	assert.Empty(t, h.reg.WritesFor("heater"))
	assert.Empty(t, h.pub.types())
}

func TestTriggerMitigation_Disabled(t *testing.T) {
	cfg := baseConfig(entry("heater", 1, model.ActionTurnOff))
	cfg.Enabled = false
	h := newHarness(t, cfg)
	assert.False(t, h.engine.TriggerMitigation(context.Background(), 12000, true))
	assert.Empty(t, h.reg.Writes)
}

func TestTriggerRestore_LIFOAfterMinOffTime(t *testing.T) {
	heater := entry("heater", 1, model.ActionTurnOff)
	thermo := entry("thermo", 2, model.ActionTargetTemperature)
	thermo.MinOffTimeSeconds = 120
	h := newHarness(t, baseConfig(heater, thermo))
	ctx := context.Background()

	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	h.reg.ResetWrites()

	h.clock.Advance(time.Minute)
	assert.False(t, h.engine.TriggerRestore(ctx), "thermostat must stay off for its minimum off time")
	assert.Len(t, h.engine.Ledger(), 2)

	h.clock.Advance(time.Minute)
	require.True(t, h.engine.TriggerRestore(ctx))
	assert.Equal(t, []string{"heater"}, ledgerIDs(h.engine.Ledger()))
	writes := h.reg.WritesFor("thermo")
	require.Len(t, writes, 2)
	assert.Equal(t, device.Write{DeviceID: "thermo", Capability: "target_temperature", Value: 21.0}, writes[0])
	assert.Equal(t, device.Write{DeviceID: "thermo", Capability: "thermostat_mode", Value: "auto"}, writes[1])

	require.True(t, h.engine.TriggerRestore(ctx))
	assert.Empty(t, h.engine.Ledger())
	assert.Equal(t, true, h.reg.WritesFor("heater")[0].Value)

	n := h.pub.last()
	assert.Equal(t, events.MitigationCleared, n.Type)
	assert.True(t, n.AllClear)
}

func TestTriggerRestore_FailureKeepsRecord(t *testing.T) {
	h := newHarness(t, baseConfig(entry("heater", 1, model.ActionTurnOff)))
	ctx := context.Background()
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	h.reg.Fail["heater"] = true
	assert.False(t, h.engine.TriggerRestore(ctx))
	assert.Len(t, h.engine.Ledger(), 1)
}

func TestRestoreAll(t *testing.T) {
	h := newHarness(t, baseConfig(
		entry("heater", 1, model.ActionTurnOff),
		entry("boiler", 2, model.ActionSteppedPower),
	))
	ctx := context.Background()
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))

	assert.Equal(t, 2, h.engine.RestoreAll(ctx))
	assert.Empty(t, h.engine.Ledger())
	dev, err := h.reg.GetDevice(ctx, "boiler")
	require.NoError(t, err)
	assert.Equal(t, "high_power", dev.Values["max_power"])
}

func TestLedgerPersistedAndReloaded(t *testing.T) {
	h := newHarness(t, baseConfig(
		entry("heater", 1, model.ActionTurnOff),
		entry("thermo", 2, model.ActionTargetTemperature),
	))
	ctx := context.Background()
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	require.True(t, h.engine.TriggerMitigation(ctx, 12000, true))
	want := h.engine.Ledger()
	h.reg.ResetWrites()

	restarted, err := NewEngine(Options{Registry: h.reg, Settings: h.store, Now: h.clock.Now})
	require.NoError(t, err)
	restarted.UpdateConfig(h.engine.Config())
	require.NoError(t, restarted.Load(ctx))

	got := restarted.Ledger()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].DeviceID, got[i].DeviceID)
		assert.Equal(t, want[i].Action, got[i].Action)
		assert.True(t, want[i].MitigatedAt.Equal(got[i].MitigatedAt))
	}
	assert.InDelta(t, 21.0, toFloat(t, got[1].PreviousState["target_temperature"]), 1e-9)
	assert.Empty(t, h.reg.Writes, "loading must not re-apply actions")

	// already ledgered devices are not mitigated again
	assert.False(t, restarted.TriggerMitigation(ctx, 12000, true))
	assert.Empty(t, h.reg.Writes)
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok := device.ToFloat(v)
	require.True(t, ok, "%v is not numeric", v)
	return f
}

func TestPersistenceFailureIsQueued(t *testing.T) {
	h := newHarness(t, baseConfig(entry("heater", 1, model.ActionTurnOff)))
	h.store.SetErr(errors.New("disk full"))

	require.True(t, h.engine.TriggerMitigation(context.Background(), 12000, true))
	assert.Len(t, h.engine.Ledger(), 1)
	_, ok, _ := h.store.Get(settings.KeyLedger)
	assert.False(t, ok)
	assert.Equal(t, 1, h.engine.queue.Len())

	h.store.SetErr(nil)
	h.engine.queue.Process()
	var recs []model.MitigationRecord
	ok, err := settings.Decode(h.store, settings.KeyLedger, &recs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"heater"}, ledgerIDs(recs))
}

func TestJournalRecordsOutcomes(t *testing.T) {
	reg := device.NewMemoryRegistry()
	reg.Add("heater", "Heater", map[string]any{"onoff": true})
	j, err := journal.NewJSONLStore(t.TempDir() + "/journal.jsonl")
	require.NoError(t, err)
	clk := newClock()
	e, err := NewEngine(Options{Registry: reg, Journal: j, Now: clk.Now})
	require.NoError(t, err)
	cfg := baseConfig(entry("heater", 1, model.ActionTurnOff))
	cfg.SetDefaults()
	e.UpdateConfig(cfg)
	ctx := context.Background()

	require.True(t, e.TriggerMitigation(ctx, 11000, false))
	require.True(t, e.TriggerRestore(ctx))

	out, err := j.Query(ctx, journal.Query{DeviceID: "heater"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, journal.EventApplied, out[0].Event)
	assert.Equal(t, journal.EventRestored, out[1].Event)
	assert.True(t, out[1].Success)
}

func TestTriggerMitigation_NoLimitIsNothingToDo(t *testing.T) {
	h := newHarness(t, baseConfig(entry("heater", 1, model.ActionTurnOff), chargerEntry(2, 1, 16)))
	cfg := baseConfig(entry("heater", 1, model.ActionTurnOff), chargerEntry(2, 1, 16))
	cfg.PowerLimitW = 0
	h.engine.UpdateConfig(cfg)
	ctx := context.Background()

	assert.False(t, h.engine.TriggerMitigation(ctx, 300, true))
	h.engine.AllocateChargers(ctx, 300)
	assert.Empty(t, h.engine.Ledger())
	assert.Empty(t, h.reg.Writes)
}
