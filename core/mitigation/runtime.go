package mitigation

import (
	"sync"
	"time"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/logger"
	"github.com/kilianp07/powerguard/core/model"
)

// runtimeTracker remembers when devices were last switched on. It has its
// own lock because registries may call back while the engine holds its
// mutex.
type runtimeTracker struct {
	reg device.Registry
	now func() time.Time
	log logger.Logger

	mu        sync.Mutex
	startedAt map[string]time.Time
	unsubs    map[string]func()
}

func newRuntimeTracker(reg device.Registry, now func() time.Time, log logger.Logger) *runtimeTracker {
	return &runtimeTracker{
		reg:       reg,
		now:       now,
		log:       log,
		startedAt: make(map[string]time.Time),
		unsubs:    make(map[string]func()),
	}
}

// watch subscribes to the onoff capability of every entry with a minimum
// runtime and drops subscriptions of entries no longer listed.
func (t *runtimeTracker) watch(list []model.PriorityEntry) {
	want := make(map[string]bool, len(list))
	for _, e := range list {
		if e.MinRuntimeSeconds > 0 {
			want[e.DeviceID] = true
		}
	}
	t.mu.Lock()
	var stale []func()
	for id, unsub := range t.unsubs {
		if !want[id] {
			stale = append(stale, unsub)
			delete(t.unsubs, id)
			delete(t.startedAt, id)
		}
	}
	var missing []string
	for id := range want {
		if _, ok := t.unsubs[id]; !ok {
			missing = append(missing, id)
		}
	}
	t.mu.Unlock()

	for _, fn := range stale {
		fn()
	}
	for _, id := range missing {
		id := id
		unsub, err := t.reg.SubscribeCapability(id, device.CapOnOff, func(v any) {
			if on, ok := v.(bool); ok {
				t.observe(id, on)
			}
		})
		if err != nil {
			t.log.Warnf("subscribe %s onoff: %v", id, err)
			continue
		}
		t.mu.Lock()
		t.unsubs[id] = unsub
		t.mu.Unlock()
	}
}

func (t *runtimeTracker) observe(id string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !on {
		delete(t.startedAt, id)
		return
	}
	if _, running := t.startedAt[id]; !running {
		t.startedAt[id] = t.now()
	}
}

// ranLongEnough reports whether the device has been running for at least
// minSeconds. A device with an unknown start time is eligible.
func (t *runtimeTracker) ranLongEnough(id string, minSeconds int) bool {
	if minSeconds <= 0 {
		return true
	}
	t.mu.Lock()
	started, ok := t.startedAt[id]
	t.mu.Unlock()
	if !ok {
		return true
	}
	return t.now().Sub(started) >= time.Duration(minSeconds)*time.Second
}

func (t *runtimeTracker) close() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = make(map[string]func())
	t.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}
