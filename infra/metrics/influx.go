package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/infra/logger"
)

// InfluxSink writes guard events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSample writes a household_power point.
func (s *InfluxSink) RecordSample(ev coremetrics.SampleEvent) error {
	p := write.NewPointWithMeasurement("household_power").
		AddTag("component", "guard").
		AddField("raw_w", round3(ev.RawW)).
		AddField("smoothed_w", round3(ev.SmoothedW)).
		AddField("limit_w", round3(ev.LimitW)).
		AddField("over_limit_count", ev.OverLimitCount).
		AddField("mitigated", ev.LedgerSize).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordMitigation writes a mitigation_action point.
func (s *InfluxSink) RecordMitigation(ev coremetrics.MitigationEvent) error {
	op := "apply"
	if ev.Restore {
		op = "restore"
	}
	p := write.NewPointWithMeasurement("mitigation_action").
		AddTag("device_id", ev.DeviceID).
		AddTag("action", ev.Action).
		AddTag("operation", op).
		AddTag("success", strconv.FormatBool(ev.Success)).
		AddField("power_w", round3(ev.PowerW))
	if ev.Reason != "" {
		p = p.AddField("reason", ev.Reason)
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordChargerTarget writes a charger_target point.
func (s *InfluxSink) RecordChargerTarget(ev coremetrics.ChargerEvent) error {
	p := write.NewPointWithMeasurement("charger_target").
		AddTag("device_id", ev.DeviceID).
		AddField("paused", ev.Paused).
		AddField("available_w", round3(ev.AvailableW))
	if ev.TargetA != nil {
		p = p.AddField("target_a", round3(*ev.TargetA))
	}
	return s.write(p.SetTime(ev.Time))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
