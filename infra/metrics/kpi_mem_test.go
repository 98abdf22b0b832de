package metrics

import (
	"time"

	"github.com/kilianp07/powerguard/infra/kpi"
)

func newMemKPI() *memKPI { return &memKPI{recs: make(map[string]*kpiRow)} }

func memKey(id string, t time.Time) string { return id + "|" + kpi.Day(t).Format("2006-01-02") }

func (m *memKPI) Add(r kpi.Record) error {
	k := memKey(r.DeviceID, r.Date)
	row, ok := m.recs[k]
	if !ok {
		row = &kpiRow{}
		m.recs[k] = row
	}
	row.secs += r.CurtailedSeconds
	row.n += r.Mitigations
	return nil
}

func (m *memKPI) Query(id string, start, _ time.Time) ([]kpi.Record, error) {
	row, ok := m.recs[memKey(id, start)]
	if !ok {
		return nil, nil
	}
	return []kpi.Record{{DeviceID: id, Date: kpi.Day(start), CurtailedSeconds: row.secs, Mitigations: row.n}}, nil
}
