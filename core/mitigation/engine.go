// Package mitigation owns the ledger of curtailed devices and decides which
// device to curtail next and which one to bring back.
//
// All ledger mutations happen under a single mutex that is held across the
// device commands, so at most one device action is in flight at a time.
package mitigation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/journal"
	"github.com/kilianp07/powerguard/core/logger"
	"github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/settings"
	"github.com/kilianp07/powerguard/core/strategy"
)

// Options are the collaborators of an Engine. Registry is required.
type Options struct {
	Registry  device.Registry
	Settings  settings.Store
	Queue     *settings.RetryQueue
	Publisher events.Publisher
	Metrics   metrics.MetricsSink
	Journal   journal.Store
	Logger    logger.Logger
	Now       func() time.Time
}

// Engine is the mitigation state machine.
type Engine struct {
	reg     device.Registry
	exec    *strategy.Executor
	store   settings.Store
	queue   *settings.RetryQueue
	pub     events.Publisher
	metrics metrics.MetricsSink
	journal journal.Store
	log     logger.Logger
	now     func() time.Time

	mu             sync.Mutex
	cfg            model.Config
	ledger         []model.MitigationRecord
	lastMitigation time.Time
	lastPowerW     float64
	chargers       map[string]*chargerState

	runtime *runtimeTracker
	view    atomic.Pointer[view]
}

// NewEngine creates an engine with an empty ledger and a disabled config.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("mitigation: registry is required")
	}
	log := logger.OrNop(opts.Logger)
	e := &Engine{
		reg:      opts.Registry,
		exec:     strategy.NewExecutor(opts.Registry, log),
		store:    opts.Settings,
		queue:    opts.Queue,
		pub:      opts.Publisher,
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		log:      log,
		now:      opts.Now,
		chargers: make(map[string]*chargerState),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.queue == nil && e.store != nil {
		e.queue = settings.NewRetryQueue(e.store, settings.DefaultMaxAttempts, log)
	}
	if e.metrics == nil {
		e.metrics = metrics.NopSink{}
	}
	if e.journal == nil {
		e.journal = journal.Nop{}
	}
	e.runtime = newRuntimeTracker(opts.Registry, e.now, log)
	e.publishView()
	return e, nil
}

// Load restores the ledger persisted by a previous run. Devices are not
// touched: the records describe actions that were already applied.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var recs []model.MitigationRecord
	ok, err := settings.Decode(e.store, settings.KeyLedger, &recs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = e.ledger[:0]
	seen := make(map[string]bool, len(recs))
	if ok {
		for _, r := range recs {
			if r.DeviceID == "" || seen[r.DeviceID] {
				continue
			}
			seen[r.DeviceID] = true
			e.ledger = append(e.ledger, r.Clone())
		}
	}
	e.log.Infof("loaded %d mitigated devices from settings", len(e.ledger))
	e.publishView()
	return nil
}

// UpdateConfig replaces the configuration. Runtime subscriptions follow the
// new priority list.
func (e *Engine) UpdateConfig(cfg model.Config) {
	cfg = cfg.Clone()
	e.mu.Lock()
	e.cfg = cfg
	for id := range e.chargers {
		if entry, ok := cfg.Entry(id); !ok || entry.Action != model.ActionDynamicCurrent {
			delete(e.chargers, id)
		}
	}
	e.publishView()
	e.mu.Unlock()
	e.runtime.watch(cfg.PriorityList)
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() model.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Clone()
}

// Close removes the device subscriptions.
func (e *Engine) Close() {
	e.runtime.close()
}

// TriggerMitigation runs the charger pass and then curtails at most one
// device, the first eligible entry of the priority list. force bypasses the
// main cooldown but not the per-device guards. It reports whether a device
// was added to the ledger.
func (e *Engine) TriggerMitigation(ctx context.Context, smoothed float64, force bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishView()
	if !e.cfg.Active() {
		return false
	}
	e.lastPowerW = smoothed
	managed := e.allocateLocked(ctx, smoothed)

	now := e.now()
	cooldown := time.Duration(e.cfg.CooldownSeconds) * time.Second
	if !force && !e.lastMitigation.IsZero() && now.Sub(e.lastMitigation) < cooldown {
		e.log.Debugf("mitigation cooldown active (%s left)", cooldown-now.Sub(e.lastMitigation))
		return false
	}

	for _, entry := range e.cfg.SortedPriorityList() {
		if !entry.Enabled {
			continue
		}
		if entry.Action == model.ActionDynamicCurrent && managed[entry.DeviceID] {
			continue
		}
		if e.indexOf(entry.DeviceID) >= 0 {
			continue
		}
		if !e.runtime.ranLongEnough(entry.DeviceID, entry.MinRuntimeSeconds) {
			e.log.Debugf("%s skipped: minimum runtime not reached", entry.DisplayName())
			continue
		}
		if e.applyLocked(ctx, entry, smoothed) {
			return true
		}
	}
	e.log.Debugf("no device could be mitigated at %.0f W", smoothed)
	return false
}

func (e *Engine) applyLocked(ctx context.Context, entry model.PriorityEntry, smoothed float64) bool {
	res, err := e.exec.Apply(ctx, entry)
	now := e.now()
	if err != nil {
		if errors.Is(err, strategy.ErrNotApplicable) {
			e.log.Debugf("%s: %v", entry.DisplayName(), err)
		} else {
			e.log.Warnf("mitigating %s failed: %v", entry.DisplayName(), err)
		}
		e.record(entry.DeviceID, entry.DisplayName(), entry.Action, journal.EventApplied, smoothed, nil, err)
		return false
	}
	rec := model.MitigationRecord{
		DeviceID:      entry.DeviceID,
		Name:          entry.DisplayName(),
		Action:        entry.Action,
		PreviousState: res.Snapshot,
		MitigatedAt:   now,
	}
	e.ledger = append(e.ledger, rec)
	e.lastMitigation = now
	e.log.Infof("mitigated %s with %s (%s) at %.0f W", rec.Name, rec.Action, res.Kind, smoothed)
	e.record(rec.DeviceID, rec.Name, rec.Action, journal.EventApplied, smoothed, nil, nil)
	e.notify(events.Notification{
		Type:       events.MitigationApplied,
		DeviceID:   rec.DeviceID,
		DeviceName: rec.Name,
		Action:     rec.Action,
		PowerW:     smoothed,
		LimitW:     e.cfg.EffectiveLimitW(),
	})
	e.persistLocked()
	return true
}

// TriggerRestore brings back the most recently mitigated device once its
// minimum off time has elapsed. Records owned by the charger allocator are
// left to it, unless the charger left the allocator's care: those are
// restored first. It reports whether a device was restored.
func (e *Engine) TriggerRestore(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishView()

	if e.releaseOrphansLocked(ctx) > 0 {
		return true
	}
	idx := -1
	for i := len(e.ledger) - 1; i >= 0; i-- {
		if !e.ledger[i].Allocated() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	rec := e.ledger[idx]
	minOff := 0
	if entry, ok := e.cfg.Entry(rec.DeviceID); ok {
		minOff = entry.MinOffTimeSeconds
	}
	if e.now().Sub(rec.MitigatedAt) < time.Duration(minOff)*time.Second {
		e.log.Debugf("%s stays mitigated: minimum off time not reached", rec.Name)
		return false
	}
	return e.restoreLocked(ctx, idx)
}

// RestoreAll restores every ledgered device, newest first, ignoring the
// off time guards. Records that fail to restore stay in the ledger.
func (e *Engine) RestoreAll(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishView()
	n := 0
	for i := len(e.ledger) - 1; i >= 0; i-- {
		if e.restoreLocked(ctx, i) {
			n++
		}
	}
	return n
}

// releaseOrphansLocked restores allocator records whose priority entry was
// removed, disabled or switched to another action. Nothing else would ever
// bring those chargers back.
func (e *Engine) releaseOrphansLocked(ctx context.Context) int {
	n := 0
	for i := len(e.ledger) - 1; i >= 0; i-- {
		rec := e.ledger[i]
		if !rec.Allocated() {
			continue
		}
		entry, ok := e.cfg.Entry(rec.DeviceID)
		if ok && entry.Enabled && entry.Action == model.ActionDynamicCurrent {
			continue
		}
		e.log.Infof("charger %s no longer managed, restoring", rec.Name)
		if e.restoreLocked(ctx, i) {
			n++
		}
	}
	return n
}

func (e *Engine) restoreLocked(ctx context.Context, idx int) bool {
	rec := e.ledger[idx]
	if err := e.exec.Restore(ctx, rec); err != nil {
		e.log.Warnf("restoring %s failed: %v", rec.Name, err)
		e.record(rec.DeviceID, rec.Name, rec.Action, journal.EventRestored, e.lastPowerW, nil, err)
		return false
	}
	e.ledger = append(e.ledger[:idx], e.ledger[idx+1:]...)
	delete(e.chargers, rec.DeviceID)
	e.log.Infof("restored %s (%s)", rec.Name, rec.Action)
	e.record(rec.DeviceID, rec.Name, rec.Action, journal.EventRestored, e.lastPowerW, nil, nil)
	e.cleared(rec, nil)
	e.persistLocked()
	return true
}

// cleared emits mitigation_cleared for rec and the all-clear notification
// when the ledger became empty.
func (e *Engine) cleared(rec model.MitigationRecord, target *float64) {
	e.notify(events.Notification{
		Type:       events.MitigationCleared,
		DeviceID:   rec.DeviceID,
		DeviceName: rec.Name,
		Action:     rec.Action,
		PowerW:     e.lastPowerW,
		LimitW:     e.cfg.EffectiveLimitW(),
		TargetA:    target,
	})
	if len(e.ledger) == 0 {
		e.notify(events.Notification{
			Type:     events.MitigationCleared,
			PowerW:   e.lastPowerW,
			LimitW:   e.cfg.EffectiveLimitW(),
			AllClear: true,
		})
	}
}

// Ledger returns a copy of the mitigated devices in mitigation order.
func (e *Engine) Ledger() []model.MitigationRecord {
	src := e.view.Load().ledger
	out := make([]model.MitigationRecord, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out
}

// Mitigated reports whether the ledger is not empty.
func (e *Engine) Mitigated() bool {
	return len(e.view.Load().ledger) > 0
}

// ObserveDeviceState records an on/off report of a device for the minimum
// runtime guard.
func (e *Engine) ObserveDeviceState(id string, on bool) {
	e.runtime.observe(id, on)
}

func (e *Engine) indexOf(id string) int {
	for i, r := range e.ledger {
		if r.DeviceID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) persistLocked() {
	if e.queue == nil {
		return
	}
	out := make([]model.MitigationRecord, len(e.ledger))
	for i, r := range e.ledger {
		out[i] = r.Clone()
	}
	// failures are queued for retry and never block the decision
	_ = e.queue.Save(settings.KeyLedger, out)
}

func (e *Engine) notify(n events.Notification) {
	if e.pub == nil {
		return
	}
	if n.Time.IsZero() {
		n.Time = e.now()
	}
	e.pub.Publish(n)
}

func (e *Engine) record(id, name string, action model.Action, ev journal.Event, powerW float64, target *float64, err error) {
	now := e.now()
	entry := journal.Entry{
		Timestamp: now,
		DeviceID:  id,
		Name:      name,
		Action:    action.String(),
		Event:     ev,
		PowerW:    powerW,
		LimitW:    e.cfg.EffectiveLimitW(),
		TargetA:   target,
		Success:   err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := e.journal.Append(context.Background(), entry); jerr != nil {
		e.log.Warnf("journal append failed: %v", jerr)
	}
	if mr, ok := e.metrics.(metrics.MitigationRecorder); ok {
		if merr := mr.RecordMitigation(metrics.MitigationEvent{
			DeviceID: id,
			Name:     name,
			Action:   action.String(),
			Restore:  ev == journal.EventRestored,
			Success:  err == nil,
			Reason:   entry.Error,
			PowerW:   powerW,
			Time:     now,
		}); merr != nil {
			e.log.Warnf("metrics error: %v", merr)
		}
	}
}
