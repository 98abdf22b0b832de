package model

import "time"

// DeviceSnapshot maps capability names to the values a device reported right
// before it was first mitigated.
type DeviceSnapshot map[string]any

// Clone returns a shallow copy of the snapshot.
func (s DeviceSnapshot) Clone() DeviceSnapshot {
	if s == nil {
		return nil
	}
	out := make(DeviceSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MitigationRecord is one ledger entry for a currently mitigated device.
type MitigationRecord struct {
	DeviceID      string         `json:"device_id"`
	Name          string         `json:"name"`
	Action        Action         `json:"action"`
	PreviousState DeviceSnapshot `json:"previous_state"`
	MitigatedAt   time.Time      `json:"mitigated_at"`

	// CurrentTargetA is only set for chargers managed by the current
	// allocator. Paused marks an allocator charger that was stopped.
	CurrentTargetA *float64 `json:"current_target_a,omitempty"`
	Paused         bool     `json:"paused,omitempty"`
}

// Allocated reports whether the record is owned by the charger allocator.
func (r MitigationRecord) Allocated() bool {
	return r.Action == ActionDynamicCurrent && (r.CurrentTargetA != nil || r.Paused)
}

// Clone returns a copy that shares no mutable state with r.
func (r MitigationRecord) Clone() MitigationRecord {
	out := r
	out.PreviousState = r.PreviousState.Clone()
	if r.CurrentTargetA != nil {
		v := *r.CurrentTargetA
		out.CurrentTargetA = &v
	}
	return out
}
