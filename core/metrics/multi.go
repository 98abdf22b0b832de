package metrics

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSample forwards the sample to all sinks, returning the first error encountered.
func (m *MultiSink) RecordSample(ev SampleEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSample(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordMitigation forwards mitigation events to sinks that support them.
func (m *MultiSink) RecordMitigation(ev MitigationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(MitigationRecorder); ok {
			if err := rec.RecordMitigation(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordChargerTarget forwards charger events to sinks that support them.
func (m *MultiSink) RecordChargerTarget(ev ChargerEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ChargerRecorder); ok {
			if err := rec.RecordChargerTarget(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordNotification forwards notification events to sinks that support them.
func (m *MultiSink) RecordNotification(ev NotificationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(NotificationRecorder); ok {
			if err := rec.RecordNotification(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
