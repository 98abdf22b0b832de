package metrics

import "time"

// SampleEvent is recorded for every accepted power sample.
type SampleEvent struct {
	RawW           float64
	SmoothedW      float64
	LimitW         float64
	OverLimitCount int
	LedgerSize     int
	Time           time.Time
}

// MetricsSink records power samples for observability purposes.
type MetricsSink interface {
	RecordSample(ev SampleEvent) error
}

// MitigationEvent captures one apply or restore attempt.
type MitigationEvent struct {
	DeviceID string
	Name     string
	Action   string
	// Restore is false for apply attempts.
	Restore bool
	Success bool
	Reason  string
	PowerW  float64
	Time    time.Time
}

// MitigationRecorder records apply and restore attempts.
type MitigationRecorder interface {
	RecordMitigation(ev MitigationEvent) error
}

// ChargerEvent captures a charger current decision.
type ChargerEvent struct {
	DeviceID   string
	TargetA    *float64
	Paused     bool
	AvailableW float64
	Time       time.Time
}

// ChargerRecorder records charger targets.
type ChargerRecorder interface {
	RecordChargerTarget(ev ChargerEvent) error
}

// NotificationEvent captures one notification emitted on the bus.
type NotificationEvent struct {
	Type     string
	DeviceID string
	Time     time.Time
}

// NotificationRecorder counts notifications.
type NotificationRecorder interface {
	RecordNotification(ev NotificationEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordSample(SampleEvent) error             { return nil }
func (NopSink) RecordMitigation(MitigationEvent) error     { return nil }
func (NopSink) RecordChargerTarget(ChargerEvent) error     { return nil }
func (NopSink) RecordNotification(NotificationEvent) error { return nil }
