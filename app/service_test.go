package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/powerguard/config"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/settings"
	"github.com/kilianp07/powerguard/infra/mqtt"
	"github.com/kilianp07/powerguard/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		LogLevel: "error",
		Guard: model.Config{
			Enabled:         true,
			PowerLimitW:     5000,
			SmoothingWindow: 1,
			HysteresisCount: 1,
			Profile:         "normal",
			Profiles:        map[string]float64{"normal": 1, "eco": 0.8},
			PriorityList: []model.PriorityEntry{
				{DeviceID: "heater", Name: "Heater", Priority: 1, Action: model.ActionTurnOff, Enabled: true},
			},
		},
		MQTT:    mqtt.Config{Broker: "tcp://unused:1883"},
		Store:   config.StoreConfig{Backend: "memory"},
		Journal: config.JournalConfig{Backend: "jsonl", Path: filepath.Join(t.TempDir(), "journal.jsonl")},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func startService(t *testing.T, cfg *config.Config, b *testutil.MemoryBroker) *Service {
	t.Helper()
	svc, err := NewWithBroker(cfg, b)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
		assert.NoError(t, svc.Close())
	})
	require.Eventually(t, func() bool { return svc.Driver.Status().Enabled }, 2*time.Second, 5*time.Millisecond)
	return svc
}

func commands(b *testutil.MemoryBroker, topic string) []mqtt.Command {
	var out []mqtt.Command
	for _, m := range b.Published(topic) {
		var c mqtt.Command
		if json.Unmarshal(m.Payload, &c) == nil {
			out = append(out, c)
		}
	}
	return out
}

func TestService_MitigatesOverLimit(t *testing.T) {
	b := testutil.NewMemoryBroker()
	require.NoError(t, b.Publish("powerguard/device/heater/state", "state", true,
		[]byte(`{"name":"Heater","values":{"onoff":true,"measure_power":2000}}`)))

	svc := startService(t, testConfig(t), b)

	// readings published before the meter subscribed are lost, keep sending
	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = b.Publish("powerguard/meter/power", "meter", false, []byte(fmt.Sprintf("%d", 7000+i)))
		return len(commands(b, "powerguard/device/heater/set")) > 0
	}, 5*time.Second, 20*time.Millisecond)

	cmd := commands(b, "powerguard/device/heater/set")[0]
	assert.Equal(t, "onoff", cmd.Capability)
	assert.Equal(t, false, cmd.Value)

	require.Eventually(t, func() bool {
		return len(b.Published("powerguard/events/mitigation_applied")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Len(t, st.MitigatedDevices, 1)
	assert.Equal(t, "heater", st.MitigatedDevices[0].DeviceID)
	assert.InDelta(t, 5000, st.LimitW, 1e-9)

	hist, err := http.Get(srv.URL + "/api/history?device_id=heater")
	require.NoError(t, err)
	defer hist.Body.Close()
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(hist.Body).Decode(&entries))
	assert.NotEmpty(t, entries)

	var ledger []model.MitigationRecord
	ok, err := settings.Decode(svc.store, settings.KeyLedger, &ledger)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, ledger, 1)
}

func TestService_ProfileSwitchIsPersisted(t *testing.T) {
	b := testutil.NewMemoryBroker()
	svc := startService(t, testConfig(t), b)

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/profile", strings.NewReader(`{"profile":"eco"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := svc.Driver.Status()
	assert.Equal(t, "eco", st.Profile)
	assert.InDelta(t, 4000, st.LimitW, 1e-9)

	var stored model.Config
	ok, err := settings.Decode(svc.store, settings.KeyGuard, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "eco", stored.Profile)

	require.Eventually(t, func() bool {
		return len(b.Published("powerguard/events/profile_changed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_InitialGuardUsesStoredProfile(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewWithBroker(cfg, testutil.NewMemoryBroker())
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.store.Set(settings.KeyGuard, model.Config{Profile: "eco"}))
	assert.Equal(t, "eco", svc.initialGuard().Profile)

	require.NoError(t, svc.store.Set(settings.KeyGuard, model.Config{Profile: "vacation"}))
	assert.Equal(t, "normal", svc.initialGuard().Profile, "unknown profiles are ignored")
}

func TestService_Reload(t *testing.T) {
	b := testutil.NewMemoryBroker()
	cfg := testConfig(t)
	svc := startService(t, cfg, b)

	next := testConfig(t)
	next.Guard.PowerLimitW = 9000
	require.NoError(t, svc.Reload(context.Background(), next))
	assert.InDelta(t, 9000, svc.Driver.Status().LimitW, 1e-9)

	bad := testConfig(t)
	bad.Guard.SmoothingWindow = -1
	assert.Error(t, svc.Reload(context.Background(), bad))
	assert.InDelta(t, 9000, svc.Driver.Status().LimitW, 1e-9)
}
