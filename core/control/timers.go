package control

import (
	"context"
	"time"

	"github.com/kilianp07/powerguard/core/model"
)

// Timers configure the background loops of the driver.
type Timers struct {
	// PollInterval is the poll fallback period. A poll is only made when no
	// sample arrived during the last interval.
	PollInterval time.Duration `json:"poll_interval"`
	// WatchdogInterval is how often the source liveness is checked.
	WatchdogInterval time.Duration `json:"watchdog_interval"`
	// StaleAfter is the silence after which the source is reconnected.
	StaleAfter time.Duration `json:"stale_after"`
	QueueSize  int           `json:"queue_size"`
}

// SetDefaults fills zero values.
func (t *Timers) SetDefaults() {
	if t.PollInterval <= 0 {
		t.PollInterval = 10 * time.Second
	}
	if t.WatchdogInterval <= 0 {
		t.WatchdogInterval = 30 * time.Second
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = 2 * time.Minute
	}
	if t.QueueSize <= 0 {
		t.QueueSize = 64
	}
}

func (d *Driver) silence() time.Duration {
	last := d.lastSample.Load()
	if last == nil {
		return -1
	}
	return d.now().Sub(*last)
}

func (d *Driver) pollLoop(ctx context.Context) {
	t := time.NewTicker(d.timers.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.pollOnce(ctx)
		}
	}
}

// pollOnce reads the source when pushed samples have not arrived within the
// poll interval.
func (d *Driver) pollOnce(ctx context.Context) {
	if s := d.silence(); s >= 0 && s < d.timers.PollInterval {
		return
	}
	sample, err := d.src.Poll(ctx)
	if err != nil {
		d.log.Warnf("poll failed: %v", err)
		return
	}
	sample.Source = model.SourcePoll
	d.Submit(sample)
}

func (d *Driver) watchdogLoop(ctx context.Context) {
	t := time.NewTicker(d.timers.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce reconnects the source when it has been silent for longer than
// StaleAfter.
func (d *Driver) watchdogOnce(ctx context.Context) {
	s := d.silence()
	if s >= 0 && s < d.timers.StaleAfter {
		return
	}
	if s < 0 {
		d.log.Warnf("no power sample received yet, reconnecting source")
	} else {
		d.log.Warnf("no power sample for %s, reconnecting source", s)
	}
	if err := d.src.Reconnect(ctx); err != nil {
		d.log.Errorf("reconnect failed: %v", err)
	}
}
