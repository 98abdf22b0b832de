package device

import (
	"context"
	"fmt"
	"sync"
)

// Write records a capability write made through a MemoryRegistry.
type Write struct {
	DeviceID   string
	Capability string
	Value      any
}

type subscription struct {
	id int
	fn func(any)
}

// MemoryRegistry is an in-process Registry. It is used by tests and by the
// replay command.
type MemoryRegistry struct {
	mu      sync.Mutex
	devices map[string]Device
	subs    map[string][]subscription
	nextSub int

	// Fail makes writes to the listed devices return an error.
	Fail   map[string]bool
	Writes []Write
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		devices: make(map[string]Device),
		subs:    make(map[string][]subscription),
		Fail:    make(map[string]bool),
	}
}

// Add registers a device with its capability values.
func (m *MemoryRegistry) Add(id, name string, values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(map[string]any, len(values))
	for k, v := range values {
		vals[k] = v
	}
	m.devices[id] = Device{ID: id, Name: name, Values: vals}
}

// Update changes a value as if the device reported it, notifying subscribers.
func (m *MemoryRegistry) Update(id, capability string, value any) {
	m.mu.Lock()
	d, ok := m.devices[id]
	if ok {
		d.Values[capability] = value
	}
	subs := append([]subscription(nil), m.subs[key(id, capability)]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.fn(value)
	}
}

// GetDevice returns a copy of the device.
func (m *MemoryRegistry) GetDevice(_ context.Context, id string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	vals := make(map[string]any, len(d.Values))
	for k, v := range d.Values {
		vals[k] = v
	}
	d.Values = vals
	return d, nil
}

// SetCapabilityValue records the write and updates the stored value.
func (m *MemoryRegistry) SetCapabilityValue(_ context.Context, id, capability string, value any) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if m.Fail[id] {
		m.mu.Unlock()
		return fmt.Errorf("write %s.%s failed", id, capability)
	}
	if _, ok := d.Values[capability]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s.%s: %w", id, capability, ErrUnknownCapability)
	}
	d.Values[capability] = value
	m.Writes = append(m.Writes, Write{DeviceID: id, Capability: capability, Value: value})
	subs := append([]subscription(nil), m.subs[key(id, capability)]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.fn(value)
	}
	return nil
}

// SubscribeCapability registers fn for value changes.
func (m *MemoryRegistry) SubscribeCapability(id, capability string, fn func(any)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	m.nextSub++
	sid := m.nextSub
	k := key(id, capability)
	m.subs[k] = append(m.subs[k], subscription{id: sid, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[k]
		for i, s := range list {
			if s.id == sid {
				m.subs[k] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}, nil
}

// WritesFor returns the writes made to a device.
func (m *MemoryRegistry) WritesFor(id string) []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Write
	for _, w := range m.Writes {
		if w.DeviceID == id {
			out = append(out, w)
		}
	}
	return out
}

// ResetWrites clears the recorded writes.
func (m *MemoryRegistry) ResetWrites() {
	m.mu.Lock()
	m.Writes = nil
	m.mu.Unlock()
}

func key(id, capability string) string { return id + "/" + capability }
