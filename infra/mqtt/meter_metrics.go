package mqtt

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// meterStats are process wide: every Meter reports into the same series.
type meterStats struct {
	pollRequests  prometheus.Counter
	pollResponses prometheus.Counter
	pollTimeouts  prometheus.Counter
	lastReading   prometheus.Gauge
	pollLatency   prometheus.Histogram
}

var (
	statsOnce sync.Once
	stats     *meterStats
)

func meterMetrics() *meterStats {
	statsOnce.Do(func() {
		stats = &meterStats{
			pollRequests:  prometheus.NewCounter(prometheus.CounterOpts{Name: "powerguard_meter_poll_requests_total", Help: "Number of meter poll requests"}),
			pollResponses: prometheus.NewCounter(prometheus.CounterOpts{Name: "powerguard_meter_poll_responses_total", Help: "Number of meter poll replies"}),
			pollTimeouts:  prometheus.NewCounter(prometheus.CounterOpts{Name: "powerguard_meter_poll_timeouts_total", Help: "Number of meter polls without reply"}),
			lastReading:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "powerguard_meter_last_reading_timestamp_seconds", Help: "Unix timestamp of the last accepted meter reading"}),
			pollLatency:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "powerguard_meter_poll_latency_seconds", Help: "Latency of meter poll replies", Buckets: prometheus.DefBuckets}),
		}
		prometheus.MustRegister(stats.pollRequests, stats.pollResponses, stats.pollTimeouts, stats.lastReading, stats.pollLatency)
	})
	return stats
}
