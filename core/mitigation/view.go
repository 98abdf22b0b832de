package mitigation

import (
	"github.com/kilianp07/powerguard/core/charger"
	"github.com/kilianp07/powerguard/core/model"
)

// view is an immutable copy of the engine state for lock free readers.
type view struct {
	ledger   []model.MitigationRecord
	chargers []model.ChargerStatus
}

// publishView must be called with e.mu held.
func (e *Engine) publishView() {
	v := &view{ledger: make([]model.MitigationRecord, len(e.ledger))}
	for i, r := range e.ledger {
		v.ledger[i] = r.Clone()
	}
	for _, entry := range e.cfg.SortedPriorityList() {
		st, ok := e.chargers[entry.DeviceID]
		if !ok {
			continue
		}
		cs := model.ChargerStatus{
			DeviceID:       entry.DeviceID,
			Name:           st.name,
			ReportedPowerW: st.reportedW,
			CircuitLimitA:  st.circuitLimitA,
			LastAdjusted:   st.lastAdjusted,
		}
		if idx := e.indexOf(entry.DeviceID); idx >= 0 {
			rec := e.ledger[idx].Clone()
			cs.TargetA = rec.CurrentTargetA
			cs.Paused = rec.Paused
		} else {
			full := charger.FullCurrent(entry.CircuitLimitA)
			cs.TargetA = &full
		}
		v.chargers = append(v.chargers, cs)
	}
	e.view.Store(v)
}

// ChargerStatuses returns the allocator view of every managed charger.
func (e *Engine) ChargerStatuses() []model.ChargerStatus {
	return append([]model.ChargerStatus(nil), e.view.Load().chargers...)
}
