package mitigation

import (
	"context"
	"time"

	"github.com/kilianp07/powerguard/core/charger"
	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/journal"
	"github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/strategy"
)

type chargerState struct {
	name          string
	reportedW     float64
	circuitLimitA float64
	lastAdjusted  time.Time
}

// AllocatorManaged reports whether the device can be driven by the charger
// allocator: it must accept a target current and report its own draw.
func AllocatorManaged(dev device.Device) bool {
	return dev.Has(device.CapChargerCurrent) && dev.Has(device.CapMeasurePower)
}

// AllocateChargers runs the charger pass alone. It is used on samples that
// do not trigger the priority walk.
func (e *Engine) AllocateChargers(ctx context.Context, smoothed float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishView()
	if !e.cfg.Active() {
		return
	}
	e.lastPowerW = smoothed
	e.allocateLocked(ctx, smoothed)
}

// allocateLocked recomputes the current of every allocator charger and
// returns the ids of the chargers it manages.
func (e *Engine) allocateLocked(ctx context.Context, smoothed float64) map[string]bool {
	e.releaseOrphansLocked(ctx)
	managed := make(map[string]bool)
	limit := e.cfg.EffectiveLimitW()
	for _, entry := range e.cfg.SortedPriorityList() {
		if !entry.Enabled || entry.Action != model.ActionDynamicCurrent {
			continue
		}
		dev, err := e.reg.GetDevice(ctx, entry.DeviceID)
		if err != nil {
			e.log.Warnf("charger %s unavailable: %v", entry.DisplayName(), err)
			continue
		}
		if !AllocatorManaged(dev) {
			continue
		}
		managed[entry.DeviceID] = true
		st := e.chargers[entry.DeviceID]
		if st == nil {
			st = &chargerState{}
			e.chargers[entry.DeviceID] = st
		}
		st.name = entry.DisplayName()
		st.circuitLimitA = entry.CircuitLimitA
		st.reportedW, _ = dev.Float(device.CapMeasurePower)

		now := e.now()
		if !st.lastAdjusted.IsZero() && now.Sub(st.lastAdjusted) < charger.Cooldown {
			continue
		}
		target := charger.Allocate(charger.Input{
			SmoothedW:      smoothed,
			EffectiveLimit: limit,
			ChargerPowerW:  st.reportedW,
			Phases:         entry.ChargerPhases,
			CircuitLimitA:  entry.CircuitLimitA,
		})
		idx := e.indexOf(entry.DeviceID)
		tracked, paused := e.trackedTarget(idx, entry.CircuitLimitA)
		if !charger.ShouldApply(tracked, target) {
			continue
		}
		st.lastAdjusted = now
		if err := e.exec.Write(ctx, entry.DeviceID, chargerChanges(dev, target, paused)); err != nil {
			e.log.Warnf("charger %s: setting target failed: %v", entry.DisplayName(), err)
			e.recordCharger(entry, target, smoothed, err)
			continue
		}
		e.recordCharger(entry, target, smoothed, nil)
		e.updateChargerLedger(dev, entry, idx, target, smoothed)
	}
	return managed
}

// trackedTarget returns the current the allocator last set. A charger that
// is not ledgered runs at full current.
func (e *Engine) trackedTarget(idx int, circuitLimitA float64) (*float64, bool) {
	if idx < 0 {
		full := charger.FullCurrent(circuitLimitA)
		return &full, false
	}
	rec := e.ledger[idx]
	if rec.Paused {
		return nil, true
	}
	if rec.CurrentTargetA != nil {
		v := *rec.CurrentTargetA
		return &v, false
	}
	// ledgered by the generic strategy: treat as unknown
	return nil, false
}

// chargerChanges returns the writes for a target. A paused charger is
// switched back on before its current is set.
func chargerChanges(dev device.Device, target charger.Target, paused bool) []strategy.Change {
	toggle := ""
	switch {
	case dev.Has(device.CapChargingToggle):
		toggle = device.CapChargingToggle
	case dev.Has(device.CapOnOff):
		toggle = device.CapOnOff
	}
	if target.Paused() {
		if toggle == "" {
			return []strategy.Change{{Capability: device.CapChargerCurrent, Value: charger.MinCurrentA}}
		}
		return []strategy.Change{{Capability: toggle, Value: false}}
	}
	var out []strategy.Change
	if toggle != "" {
		if on, ok := dev.Bool(toggle); paused || (ok && !on) {
			out = append(out, strategy.Change{Capability: toggle, Value: true})
		}
	}
	return append(out, strategy.Change{Capability: device.CapChargerCurrent, Value: *target.Current})
}

func (e *Engine) updateChargerLedger(dev device.Device, entry model.PriorityEntry, idx int, target charger.Target, smoothed float64) {
	full := charger.FullCurrent(entry.CircuitLimitA)
	if target.Current != nil && *target.Current >= full {
		if idx < 0 {
			return
		}
		rec := e.ledger[idx]
		e.ledger = append(e.ledger[:idx], e.ledger[idx+1:]...)
		e.log.Infof("charger %s back to full current %.0f A", rec.Name, full)
		e.cleared(rec, target.Current)
		e.persistLocked()
		return
	}

	var current *float64
	if target.Current != nil {
		v := *target.Current
		current = &v
	}
	if idx >= 0 {
		e.ledger[idx].CurrentTargetA = current
		e.ledger[idx].Paused = target.Paused()
		e.persistLocked()
		return
	}
	snap, err := strategy.SnapshotFor(model.ActionDynamicCurrent, dev)
	if err != nil {
		snap = model.DeviceSnapshot{}
	}
	rec := model.MitigationRecord{
		DeviceID:       entry.DeviceID,
		Name:           entry.DisplayName(),
		Action:         model.ActionDynamicCurrent,
		PreviousState:  snap,
		MitigatedAt:    e.now(),
		CurrentTargetA: current,
		Paused:         target.Paused(),
	}
	e.ledger = append(e.ledger, rec)
	e.log.Infof("charger %s limited (available %.0f W)", rec.Name, target.AvailableW)
	e.notify(events.Notification{
		Type:       events.MitigationApplied,
		DeviceID:   rec.DeviceID,
		DeviceName: rec.Name,
		Action:     rec.Action,
		PowerW:     smoothed,
		LimitW:     e.cfg.EffectiveLimitW(),
		TargetA:    current,
	})
	e.persistLocked()
}

func (e *Engine) recordCharger(entry model.PriorityEntry, target charger.Target, smoothed float64, err error) {
	now := e.now()
	je := journal.Entry{
		Timestamp: now,
		DeviceID:  entry.DeviceID,
		Name:      entry.DisplayName(),
		Action:    model.ActionDynamicCurrent.String(),
		Event:     journal.EventCharger,
		PowerW:    smoothed,
		LimitW:    e.cfg.EffectiveLimitW(),
		TargetA:   target.Current,
		Success:   err == nil,
	}
	if err != nil {
		je.Error = err.Error()
	}
	if jerr := e.journal.Append(context.Background(), je); jerr != nil {
		e.log.Warnf("journal append failed: %v", jerr)
	}
	if err != nil {
		return
	}
	if cr, ok := e.metrics.(metrics.ChargerRecorder); ok {
		if merr := cr.RecordChargerTarget(metrics.ChargerEvent{
			DeviceID:   entry.DeviceID,
			TargetA:    target.Current,
			Paused:     target.Paused(),
			AvailableW: target.AvailableW,
			Time:       now,
		}); merr != nil {
			e.log.Warnf("metrics error: %v", merr)
		}
	}
}
