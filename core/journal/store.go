// Package journal keeps a queryable history of mitigation actions.
package journal

import (
	"context"
	"time"
)

// Event identifies what happened to a device.
type Event string

const (
	EventApplied  Event = "applied"
	EventRestored Event = "restored"
	EventCharger  Event = "charger"
)

// Entry captures one mitigation decision and its outcome.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name,omitempty"`
	Action    string    `json:"action"`
	Event     Event     `json:"event"`
	PowerW    float64   `json:"power_w"`
	LimitW    float64   `json:"limit_w"`
	TargetA   *float64  `json:"target_a,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Query defines filters for retrieving entries. Zero values match everything.
type Query struct {
	Start    time.Time
	End      time.Time
	DeviceID string
	Event    Event
	Limit    int
}

// Store persists entries and supports querying.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// Match reports whether e passes the filters of q, ignoring Limit.
func (q Query) Match(e Entry) bool {
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	if q.Event != "" && e.Event != q.Event {
		return false
	}
	return true
}

// tail keeps the last Limit entries when a limit is set.
func (q Query) tail(in []Entry) []Entry {
	if q.Limit <= 0 || len(in) <= q.Limit {
		return in
	}
	return in[len(in)-q.Limit:]
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error           { return nil }
func (Nop) Query(context.Context, Query) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                  { return nil }
