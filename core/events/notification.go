package events

import (
	"time"

	"github.com/kilianp07/powerguard/core/model"
)

// Type identifies a notification.
type Type string

const (
	PowerLimitExceeded Type = "power_limit_exceeded"
	MitigationApplied  Type = "mitigation_applied"
	MitigationCleared  Type = "mitigation_cleared"
	ProfileChanged     Type = "profile_changed"
)

// Notification is published on the event bus. The token fields mirror what
// flow triggers in the home automation platform receive.
type Notification struct {
	Type       Type         `json:"type"`
	DeviceID   string       `json:"device_id,omitempty"`
	DeviceName string       `json:"device_name,omitempty"`
	Action     model.Action `json:"action"`
	PowerW     float64      `json:"power_w"`
	LimitW     float64      `json:"limit_w,omitempty"`
	Profile    string       `json:"profile,omitempty"`
	TargetA    *float64     `json:"target_a,omitempty"`
	AllClear   bool         `json:"all_clear,omitempty"`
	Time       time.Time    `json:"time"`
}

// Tokens returns the notification as flat string-keyed values.
func (n Notification) Tokens() map[string]any {
	t := map[string]any{
		"power": n.PowerW,
	}
	if n.DeviceName != "" {
		t["device"] = n.DeviceName
	}
	if n.Type == MitigationApplied || n.Type == MitigationCleared {
		t["action"] = n.Action.String()
	}
	if n.Profile != "" {
		t["profile"] = n.Profile
	}
	if n.TargetA != nil {
		t["target_a"] = *n.TargetA
	}
	return t
}

// Publisher is the fire-and-forget notification sink.
type Publisher interface {
	Publish(Notification)
}
