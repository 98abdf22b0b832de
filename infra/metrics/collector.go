package metrics

import (
	"context"

	"github.com/kilianp07/powerguard/core/events"
	coremetrics "github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records every
// notification on sinks that support it. It stops when the context is
// canceled or the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Notification], sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.NotificationRecorder)
	if !ok {
		return
	}
	go bus.Consume(ctx, func(n events.Notification) {
		_ = rec.RecordNotification(coremetrics.NotificationEvent{
			Type:     string(n.Type),
			DeviceID: n.DeviceID,
			Time:     n.Time,
		})
	})
}
