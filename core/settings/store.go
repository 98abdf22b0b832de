// Package settings defines the persistent key/value store used for the
// guard configuration and the mitigation ledger, and a retry queue for
// writes that failed.
package settings

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
)

// Well known keys.
const (
	KeyGuard  = "guard"
	KeyLedger = "mitigated_devices"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("settings store closed")

// Store persists JSON values by key.
type Store interface {
	// Get returns the raw value and whether the key exists.
	Get(key string) (json.RawMessage, bool, error)
	// Set stores the JSON encoding of value.
	Set(key string, value any) error
	// OnChange registers fn to be called after the key was written.
	OnChange(key string, fn func(json.RawMessage))
}

// Watchers holds OnChange callbacks. Store implementations embed it.
type Watchers struct {
	mu  sync.RWMutex
	fns map[string][]func(json.RawMessage)
}

// OnChange registers fn for key.
func (w *Watchers) OnChange(key string, fn func(json.RawMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[string][]func(json.RawMessage))
	}
	w.fns[key] = append(w.fns[key], fn)
}

// Notify calls the callbacks registered for key.
func (w *Watchers) Notify(key string, raw json.RawMessage) {
	w.mu.RLock()
	fns := slices.Clone(w.fns[key])
	w.mu.RUnlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// MemoryStore keeps values in memory.
type MemoryStore struct {
	Watchers
	mu   sync.RWMutex
	data map[string]json.RawMessage
	// Err makes Set fail while non-nil.
	Err error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

// Get returns the stored value.
func (m *MemoryStore) Get(key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set encodes and stores the value.
func (m *MemoryStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return err
	}
	m.data[key] = raw
	m.mu.Unlock()
	m.Notify(key, raw)
	return nil
}

// SetErr makes subsequent writes fail with err; nil restores normal writes.
func (m *MemoryStore) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Decode reads key into out. It returns false when the key is absent.
func Decode(s Store, key string, out any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
