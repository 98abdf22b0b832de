package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/powerguard/core/metrics"
)

func captureServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, strings.TrimSpace(string(b)))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...)
	}
}

func line(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

func TestInfluxSink_RecordSample(t *testing.T) {
	srv, bodies := captureServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	require.NoError(t, sink.RecordSample(coremetrics.SampleEvent{
		RawW: 10500, SmoothedW: 10100.1234, LimitW: 10000, OverLimitCount: 3, LedgerSize: 1, Time: now,
	}))
	p := write.NewPointWithMeasurement("household_power").
		AddTag("component", "guard").
		AddField("raw_w", 10500.0).
		AddField("smoothed_w", 10100.123).
		AddField("limit_w", 10000.0).
		AddField("over_limit_count", 3).
		AddField("mitigated", 1).
		SetTime(now)
	assert.Equal(t, []string{line(p)}, bodies())
}

func TestInfluxSink_RecordMitigation(t *testing.T) {
	srv, bodies := captureServer(t)
	sink := NewInfluxSink(srv.URL+"/api/v2/write", "token", "org", "bucket")
	now := time.Now()
	require.NoError(t, sink.RecordMitigation(coremetrics.MitigationEvent{
		DeviceID: "heater", Action: "turn_off", Restore: true, Success: false, Reason: "device offline", PowerW: 9000, Time: now,
	}))
	p := write.NewPointWithMeasurement("mitigation_action").
		AddTag("device_id", "heater").
		AddTag("action", "turn_off").
		AddTag("operation", "restore").
		AddTag("success", "false").
		AddField("power_w", 9000.0).
		AddField("reason", "device offline").
		SetTime(now)
	assert.Equal(t, []string{line(p)}, bodies())
}

func TestInfluxSink_RecordChargerTarget(t *testing.T) {
	srv, bodies := captureServer(t)
	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	now := time.Now()
	target := 9.0
	require.NoError(t, sink.RecordChargerTarget(coremetrics.ChargerEvent{DeviceID: "ev", TargetA: &target, AvailableW: 6230, Time: now}))
	p := write.NewPointWithMeasurement("charger_target").
		AddTag("device_id", "ev").
		AddField("paused", false).
		AddField("available_w", 6230.0).
		AddField("target_a", 9.0).
		SetTime(now)
	assert.Equal(t, []string{line(p)}, bodies())
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	_, isInflux := sink.(*InfluxSink)
	assert.False(t, isInflux, "expected NopSink on failing health check")
	assert.True(t, called)
}
