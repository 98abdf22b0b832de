// Package control runs the guard loop: it feeds power samples through the
// smoother and the hysteresis detector and drives the mitigation engine.
//
// Push samples, poll samples, rechecks and configuration changes are all
// queued on one channel and handled by the single goroutine started by Run.
package control

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/hysteresis"
	"github.com/kilianp07/powerguard/core/logger"
	"github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/core/mitigation"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/smoothing"
)

// ErrStopped is returned when a command is sent to a driver that is not
// running anymore.
var ErrStopped = errors.New("control loop stopped")

// Source delivers household power readings.
type Source interface {
	// Start subscribes to pushed readings and calls fn for each of them.
	Start(ctx context.Context, fn func(model.PowerSample)) error
	// Poll reads the current value on demand.
	Poll(ctx context.Context) (model.PowerSample, error)
	// Reconnect re-establishes the push subscription.
	Reconnect(ctx context.Context) error
}

type commandKind int

const (
	cmdSample commandKind = iota
	cmdRecheck
	cmdConfig
)

type command struct {
	kind   commandKind
	sample model.PowerSample
	cfg    model.Config
	done   chan error
}

// Options configure a Driver. Engine is required.
type Options struct {
	Engine    *mitigation.Engine
	Source    Source
	Publisher events.Publisher
	Metrics   metrics.MetricsSink
	Logger    logger.Logger
	Timers    Timers
	Now       func() time.Time
}

// Driver is the control loop.
type Driver struct {
	engine  *mitigation.Engine
	src     Source
	pub     events.Publisher
	metrics metrics.MetricsSink
	log     logger.Logger
	timers  Timers
	now     func() time.Time

	in       chan command
	stopped  chan struct{}
	running  atomic.Bool
	smoother *smoothing.Smoother
	detector *hysteresis.Detector

	// cfg is owned by the loop goroutine.
	cfg model.Config

	// read by Status without locking
	published  atomic.Pointer[model.Config]
	smoothed   atomic.Pointer[float64]
	lastSample atomic.Pointer[time.Time]
}

// NewDriver creates a driver with a disabled configuration.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Engine == nil {
		return nil, errors.New("control: engine is required")
	}
	timers := opts.Timers
	timers.SetDefaults()
	d := &Driver{
		engine:   opts.Engine,
		src:      opts.Source,
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		log:      logger.OrNop(opts.Logger),
		timers:   timers,
		now:      opts.Now,
		in:       make(chan command, timers.QueueSize),
		stopped:  make(chan struct{}),
		smoother: smoothing.New(5, 3),
		detector: hysteresis.New(3),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.metrics == nil {
		d.metrics = metrics.NopSink{}
	}
	cfg := model.Config{}
	d.published.Store(&cfg)
	return d, nil
}

// Submit queues a power sample. It never blocks: when the queue is full the
// sample is dropped.
func (d *Driver) Submit(s model.PowerSample) {
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = d.now()
	}
	select {
	case d.in <- command{kind: cmdSample, sample: s}:
	default:
		d.log.Warnf("sample queue full, dropping %.0f W", s.Value)
	}
}

// Running reports whether Run is consuming the queue.
func (d *Driver) Running() bool {
	select {
	case <-d.stopped:
		return false
	default:
		return d.running.Load()
	}
}

// Process queues a sample and waits until it was evaluated.
func (d *Driver) Process(ctx context.Context, s model.PowerSample) error {
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = d.now()
	}
	return d.send(ctx, command{kind: cmdSample, sample: s})
}

// ForceRecheck queues a re-evaluation that bypasses the main cooldown.
func (d *Driver) ForceRecheck(ctx context.Context) error {
	return d.send(ctx, command{kind: cmdRecheck})
}

// UpdateConfig queues a new configuration and waits until it is applied.
// An invalid configuration is rejected and the previous one stays active.
// Called before Run, it only queues the configuration and returns nil; Run
// applies it before any sample.
func (d *Driver) UpdateConfig(ctx context.Context, cfg model.Config) error {
	cfg = cfg.Clone()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return d.send(ctx, command{kind: cmdConfig, cfg: cfg})
}

// SetProfile switches the active profile of the current configuration.
func (d *Driver) SetProfile(ctx context.Context, profile string) error {
	cfg := d.published.Load().Clone()
	cfg.Profile = profile
	return d.UpdateConfig(ctx, cfg)
}

// send queues c and waits for its result while the loop runs. Commands queued
// before Run starts are not waited for.
func (d *Driver) send(ctx context.Context, c command) error {
	c.done = make(chan error, 1)
	select {
	case d.in <- c:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if !d.running.Load() {
		// queued before Run started: handled on start
		return nil
	}
	select {
	case err := <-c.done:
		return err
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is done. Timers for polling and the
// watchdog run alongside it.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("control: already running")
	}
	defer close(d.stopped)
	if d.src != nil {
		if err := d.src.Start(ctx, d.Submit); err != nil {
			d.log.Warnf("power source start failed, relying on polling: %v", err)
		}
		go d.pollLoop(ctx)
		go d.watchdogLoop(ctx)
	}
	d.log.Infof("control loop started")
	for {
		select {
		case <-ctx.Done():
			d.log.Infof("control loop stopped")
			return nil
		case c := <-d.in:
			err := d.handle(ctx, c)
			if c.done != nil {
				c.done <- err
			}
		}
	}
}

func (d *Driver) handle(ctx context.Context, c command) error {
	switch c.kind {
	case cmdSample:
		d.evaluate(ctx, c.sample)
	case cmdRecheck:
		d.recheck(ctx)
	case cmdConfig:
		d.applyConfig(ctx, c.cfg)
	}
	return nil
}

// evaluate handles one sample: smooth, count, then mitigate or restore.
func (d *Driver) evaluate(ctx context.Context, s model.PowerSample) {
	smoothed, accepted := d.smoother.Offer(s.Value)
	if !accepted {
		d.log.Debugf("sample %.0f W from %s ignored", s.Value, s.Source)
		return
	}
	at := s.ReceivedAt
	d.lastSample.Store(&at)
	d.smoothed.Store(&smoothed)

	limit := d.cfg.EffectiveLimitW()
	count, rising := d.detector.Observe(smoothed, limit)
	if err := d.metrics.RecordSample(metrics.SampleEvent{
		RawW:           s.Value,
		SmoothedW:      smoothed,
		LimitW:         limit,
		OverLimitCount: count,
		LedgerSize:     len(d.engine.Ledger()),
		Time:           at,
	}); err != nil {
		d.log.Warnf("metrics error: %v", err)
	}
	if !d.cfg.Active() {
		return
	}
	if rising {
		d.log.Warnf("power %.0f W above limit %.0f W for %d samples", smoothed, limit, count)
		d.notify(events.Notification{
			Type:   events.PowerLimitExceeded,
			PowerW: smoothed,
			LimitW: limit,
		})
	}
	if d.detector.Active() {
		d.engine.TriggerMitigation(ctx, smoothed, false)
	} else {
		d.engine.AllocateChargers(ctx, smoothed)
	}
	if d.detector.Cleared() && d.engine.Mitigated() {
		d.engine.TriggerRestore(ctx)
	}
}

// recheck re-evaluates the last smoothed value right away. Over the limit it
// mitigates without waiting for the hysteresis count or the cooldown.
func (d *Driver) recheck(ctx context.Context) {
	if !d.cfg.Active() {
		return
	}
	smoothed, ok := d.smoother.Average()
	if !ok {
		d.log.Debugf("recheck skipped: no samples yet")
		return
	}
	limit := d.cfg.EffectiveLimitW()
	if smoothed > limit {
		d.engine.TriggerMitigation(ctx, smoothed, true)
		return
	}
	d.engine.AllocateChargers(ctx, smoothed)
	if d.engine.Mitigated() {
		d.engine.TriggerRestore(ctx)
	}
}

func (d *Driver) applyConfig(ctx context.Context, cfg model.Config) {
	old := d.cfg
	d.cfg = cfg
	d.smoother.SetWindow(cfg.SmoothingWindow)
	d.smoother.SetSpikeMultiplier(cfg.SpikeMultiplier)
	d.detector.SetThreshold(cfg.HysteresisCount)
	d.engine.UpdateConfig(cfg)
	published := cfg.Clone()
	d.published.Store(&published)

	profileChanged := old.Profile != "" && old.Profile != cfg.Profile
	if profileChanged {
		d.log.Infof("profile changed from %s to %s", old.Profile, cfg.Profile)
		smoothed, _ := d.smoother.Average()
		d.notify(events.Notification{
			Type:    events.ProfileChanged,
			Profile: cfg.Profile,
			PowerW:  smoothed,
			LimitW:  cfg.EffectiveLimitW(),
		})
	}
	if old.Active() && !cfg.Active() {
		d.log.Infof("guard disabled, restoring all devices")
		d.detector.Reset()
		d.engine.RestoreAll(ctx)
		return
	}
	if !old.Active() && cfg.Active() {
		// the count kept running while disabled; start a fresh episode
		d.detector.Reset()
	}
	if profileChanged || old.Active() != cfg.Active() || old.EffectiveLimitW() != cfg.EffectiveLimitW() {
		d.recheck(ctx)
	}
}

func (d *Driver) notify(n events.Notification) {
	if d.pub == nil {
		return
	}
	if n.Time.IsZero() {
		n.Time = d.now()
	}
	d.pub.Publish(n)
}

// Status returns a snapshot of the guard state. It does not take the engine
// lock, so it may lag behind a running evaluation.
func (d *Driver) Status() model.Status {
	cfg := d.published.Load()
	st := model.Status{
		Enabled:          cfg.Enabled,
		Profile:          cfg.Profile,
		LimitW:           cfg.EffectiveLimitW(),
		OverLimitCount:   d.detector.Count(),
		MitigatedDevices: d.engine.Ledger(),
		ChargerStatuses:  d.engine.ChargerStatuses(),
	}
	if p := d.smoothed.Load(); p != nil {
		v := *p
		st.CurrentPowerW = &v
	}
	if t := d.lastSample.Load(); t != nil {
		st.LastSampleAt = *t
	}
	return st
}

// Config returns the active configuration.
func (d *Driver) Config() model.Config {
	return d.published.Load().Clone()
}
