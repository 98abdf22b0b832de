package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/infra/kpi"
)

// KPIStore persists daily curtailment records.
type KPIStore interface {
	Add(r kpi.Record) error
	Query(deviceID string, start, end time.Time) ([]kpi.Record, error)
}

// CurtailmentSink turns mitigation events into daily curtailment KPIs.
type CurtailmentSink struct {
	coremetrics.NopSink
	store     KPIStore
	curtailed *prometheus.GaugeVec
	count     *prometheus.GaugeVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewCurtailmentSink creates a sink with Prometheus gauges registered on reg.
func NewCurtailmentSink(store KPIStore, reg prometheus.Registerer) *CurtailmentSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	curtailed, _ := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powerguard_device_curtailed_seconds",
		Help: "Daily time a device spent mitigated",
	}, []string{"device_id", "day"}))
	count, _ := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powerguard_device_mitigations",
		Help: "Daily number of mitigations per device",
	}, []string{"device_id", "day"}))
	return &CurtailmentSink{store: store, curtailed: curtailed, count: count, started: make(map[string]time.Time)}
}

// RecordMitigation accumulates the curtailment of successful attempts. The
// duration is attributed to the day of the restore.
func (s *CurtailmentSink) RecordMitigation(ev coremetrics.MitigationEvent) error {
	if !ev.Success {
		return nil
	}
	rec := kpi.Record{DeviceID: ev.DeviceID, Date: ev.Time}
	s.mu.Lock()
	if ev.Restore {
		if start, ok := s.started[ev.DeviceID]; ok {
			rec.CurtailedSeconds = ev.Time.Sub(start).Seconds()
			delete(s.started, ev.DeviceID)
		}
	} else {
		s.started[ev.DeviceID] = ev.Time
		rec.Mitigations = 1
	}
	s.mu.Unlock()
	if rec.CurtailedSeconds == 0 && rec.Mitigations == 0 {
		return nil
	}
	if err := s.store.Add(rec); err != nil {
		return err
	}
	records, err := s.store.Query(ev.DeviceID, ev.Time, ev.Time)
	if err != nil || len(records) == 0 {
		return err
	}
	day := kpi.Day(ev.Time).Format("2006-01-02")
	s.curtailed.WithLabelValues(ev.DeviceID, day).Set(records[0].CurtailedSeconds)
	s.count.WithLabelValues(ev.DeviceID, day).Set(float64(records[0].Mitigations))
	return nil
}
