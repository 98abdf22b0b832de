package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/powerguard/core/control"
	"github.com/kilianp07/powerguard/core/journal"
	"github.com/kilianp07/powerguard/core/model"
)

type fakeController struct {
	cfg      model.Config
	rechecks int
	err      error
}

func (f *fakeController) Status() model.Status {
	p := 4200.0
	return model.Status{
		Enabled:          f.cfg.Enabled,
		Profile:          f.cfg.Profile,
		LimitW:           f.cfg.EffectiveLimitW(),
		CurrentPowerW:    &p,
		MitigatedDevices: []model.MitigationRecord{{DeviceID: "heater", Action: model.ActionTurnOff}},
	}
}

func (f *fakeController) Config() model.Config { return f.cfg.Clone() }

func (f *fakeController) ForceRecheck(context.Context) error {
	f.rechecks++
	return f.err
}

func (f *fakeController) SetProfile(_ context.Context, p string) error {
	if f.err != nil {
		return f.err
	}
	f.cfg.Profile = p
	return nil
}

func newController() *fakeController {
	return &fakeController{cfg: model.Config{
		Enabled:     true,
		PowerLimitW: 10000,
		Profile:     "normal",
		Profiles:    map[string]float64{"normal": 1, "eco": 0.5},
	}}
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	r := NewRouter(Options{Controller: newController()})
	rec := do(t, r, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st model.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Enabled)
	assert.InDelta(t, 10000, st.LimitW, 1e-9)
	require.Len(t, st.MitigatedDevices, 1)
	assert.Equal(t, "heater", st.MitigatedDevices[0].DeviceID)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodDelete, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "", nil).Code)
}

func TestRecheck(t *testing.T) {
	ctl := newController()
	r := NewRouter(Options{Controller: ctl})
	assert.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/recheck", "", nil).Code)
	assert.Equal(t, 1, ctl.rechecks)

	ctl.err = control.ErrStopped
	assert.Equal(t, http.StatusServiceUnavailable, do(t, r, http.MethodPost, "/api/recheck", "", nil).Code)
}

func TestProfile(t *testing.T) {
	ctl := newController()
	r := NewRouter(Options{Controller: ctl})

	rec := do(t, r, http.MethodPut, "/api/profile", `{"profile":"eco"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "eco", ctl.cfg.Profile)
	var st model.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.InDelta(t, 5000, st.LimitW, 1e-9)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/profile", `{"profile":"party"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/profile", `nope`, nil).Code)
	assert.Equal(t, "eco", ctl.cfg.Profile)
}

func TestHistory(t *testing.T) {
	store, err := journal.NewJSONLStore(t.TempDir() + "/journal.jsonl")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, journal.Entry{Timestamp: base, DeviceID: "heater", Event: journal.EventApplied, Success: true}))
	require.NoError(t, store.Append(ctx, journal.Entry{Timestamp: base.Add(time.Minute), DeviceID: "boiler", Event: journal.EventApplied, Success: true}))
	require.NoError(t, store.Append(ctx, journal.Entry{Timestamp: base.Add(2 * time.Minute), DeviceID: "heater", Event: journal.EventRestored, Success: true}))

	r := NewRouter(Options{Controller: newController(), Journal: store})

	var got []journal.Entry
	rec := do(t, r, http.MethodGet, "/api/history?device_id=heater", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rec = do(t, r, http.MethodGet, "/api/history?event=applied&limit=1", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "boiler", got[0].DeviceID)

	rec = do(t, r, http.MethodGet, "/api/history?start="+base.Add(90*time.Second).Format(time.RFC3339), "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, journal.EventRestored, got[0].Event)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/history?start=yesterday", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/history?limit=-2", "", nil).Code)
}

func TestHistory_EmptyIsArray(t *testing.T) {
	r := NewRouter(Options{Controller: newController()})
	rec := do(t, r, http.MethodGet, "/api/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestBearerToken(t *testing.T) {
	r := NewRouter(Options{Controller: newController(), Token: "secret", Metrics: http.NotFoundHandler()})
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/status", "", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "", nil).Code, "health stays public")
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodPost, "/api/status", "", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/unknown", "", nil).Code)
}
