package model

import "time"

// ChargerStatus reports the allocator view of one charger.
type ChargerStatus struct {
	DeviceID       string    `json:"device_id"`
	Name           string    `json:"name"`
	TargetA        *float64  `json:"target_a"`
	Paused         bool      `json:"paused"`
	ReportedPowerW float64   `json:"reported_power_w"`
	CircuitLimitA  float64   `json:"circuit_limit_a"`
	LastAdjusted   time.Time `json:"last_adjusted,omitempty"`
}

// Status is a read-only snapshot of the guard state.
type Status struct {
	Enabled          bool               `json:"enabled"`
	Profile          string             `json:"profile"`
	CurrentPowerW    *float64           `json:"current_power_w"`
	LimitW           float64            `json:"limit_w"`
	OverLimitCount   int                `json:"over_limit_count"`
	MitigatedDevices []MitigationRecord `json:"mitigated_devices"`
	ChargerStatuses  []ChargerStatus    `json:"charger_statuses"`
	LastSampleAt     time.Time          `json:"last_sample_at,omitempty"`
}
