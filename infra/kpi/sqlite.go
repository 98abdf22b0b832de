// Package kpi stores daily curtailment figures per device.
package kpi

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Record aggregates the curtailment of one device for one day.
type Record struct {
	DeviceID string
	Date     time.Time
	// CurtailedSeconds is the time the device spent mitigated.
	CurtailedSeconds float64
	Mitigations      int
}

// Day truncates t to the start of its UTC day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SQLiteStore persists KPI records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS curtailment_kpi (
        device_id TEXT,
        day INTEGER,
        curtailed_seconds REAL,
        mitigations INTEGER,
        PRIMARY KEY(device_id, day)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Add accumulates r into the stored record of its day.
func (s *SQLiteStore) Add(r Record) error {
	d := Day(r.Date)
	_, err := s.db.Exec(`INSERT INTO curtailment_kpi (device_id, day, curtailed_seconds, mitigations)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(device_id, day) DO UPDATE SET
            curtailed_seconds = curtailed_seconds + excluded.curtailed_seconds,
            mitigations = mitigations + excluded.mitigations`,
		r.DeviceID, d.Unix(), r.CurtailedSeconds, r.Mitigations)
	return err
}

// Query returns the records of a device in the range [start,end].
func (s *SQLiteStore) Query(deviceID string, start, end time.Time) ([]Record, error) {
	rows, err := s.db.Query(`SELECT device_id, day, curtailed_seconds, mitigations
        FROM curtailment_kpi WHERE device_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		deviceID, Day(start).Unix(), Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.DeviceID, &ts, &r.CurtailedSeconds, &r.Mitigations); err != nil {
			return nil, err
		}
		r.Date = time.Unix(ts, 0).UTC()
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
