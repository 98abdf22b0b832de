package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/powerguard/core/metrics"
)

// PromSink records guard activity in Prometheus metrics.
type PromSink struct {
	power         *prometheus.GaugeVec
	limit         prometheus.Gauge
	overLimit     prometheus.Gauge
	mitigated     prometheus.Gauge
	actions       *prometheus.CounterVec
	chargerTarget *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

// NewPromSink registers the guard metrics on the default Prometheus registerer.
// The HTTP endpoint is started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// register adds c to reg and returns the already registered collector when
// an identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.power, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powerguard_power_watts",
		Help: "Household power consumption",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if s.limit, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerguard_power_limit_watts",
		Help: "Effective power limit of the active profile",
	})); err != nil {
		return nil, err
	}
	if s.overLimit, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerguard_over_limit_count",
		Help: "Consecutive samples above the limit",
	})); err != nil {
		return nil, err
	}
	if s.mitigated, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powerguard_mitigated_devices",
		Help: "Number of devices currently mitigated",
	})); err != nil {
		return nil, err
	}
	if s.actions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerguard_mitigation_actions_total",
		Help: "Apply and restore attempts per device",
	}, []string{"device_id", "action", "operation", "success"})); err != nil {
		return nil, err
	}
	if s.chargerTarget, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powerguard_charger_target_amps",
		Help: "Charger current target, 0 while paused",
	}, []string{"device_id"})); err != nil {
		return nil, err
	}
	if s.notifications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powerguard_notifications_total",
		Help: "Notifications emitted by type",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordSample updates the power gauges.
func (s *PromSink) RecordSample(ev coremetrics.SampleEvent) error {
	s.power.WithLabelValues("raw").Set(ev.RawW)
	s.power.WithLabelValues("smoothed").Set(ev.SmoothedW)
	s.limit.Set(ev.LimitW)
	s.overLimit.Set(float64(ev.OverLimitCount))
	s.mitigated.Set(float64(ev.LedgerSize))
	return nil
}

// RecordMitigation counts an apply or restore attempt.
func (s *PromSink) RecordMitigation(ev coremetrics.MitigationEvent) error {
	op := "apply"
	if ev.Restore {
		op = "restore"
	}
	s.actions.WithLabelValues(ev.DeviceID, ev.Action, op, strconv.FormatBool(ev.Success)).Inc()
	return nil
}

// RecordChargerTarget sets the charger target gauge.
func (s *PromSink) RecordChargerTarget(ev coremetrics.ChargerEvent) error {
	v := 0.0
	if ev.TargetA != nil && !ev.Paused {
		v = *ev.TargetA
	}
	s.chargerTarget.WithLabelValues(ev.DeviceID).Set(v)
	return nil
}

// RecordNotification counts an emitted notification.
func (s *PromSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	s.notifications.WithLabelValues(ev.Type).Inc()
	return nil
}
