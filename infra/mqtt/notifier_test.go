package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/model"
)

func TestNotifier_Publish(t *testing.T) {
	cli, mc := newTestClient(t)
	n := NewNotifier(cli, "powerguard")

	target := 9.0
	n.Publish(events.Notification{
		Type:       events.MitigationApplied,
		DeviceID:   "ev",
		DeviceName: "EV charger",
		Action:     model.ActionDynamicCurrent,
		PowerW:     10100,
		TargetA:    &target,
	})

	msgs := mc.publishedTo("powerguard/events/")
	require.Len(t, msgs, 1)
	assert.Equal(t, "powerguard/events/mitigation_applied", msgs[0].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &body))
	assert.Equal(t, "ev", body["device_id"])
	tokens, ok := body["tokens"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EV charger", tokens["device"])
	assert.Equal(t, 9.0, tokens["target_a"])
	assert.Equal(t, 10100.0, tokens["power"])
}

func TestNotifier_PublishFailureIsSwallowed(t *testing.T) {
	cli, mc := newTestClient(t)
	mc.publishErrs = []error{assert.AnError, assert.AnError}
	n := NewNotifier(cli, "powerguard")
	assert.NotPanics(t, func() { n.Publish(events.Notification{Type: events.ProfileChanged, Profile: "eco"}) })
}
