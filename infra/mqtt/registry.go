package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/infra/logger"
)

// DeviceState is the retained payload devices publish on their state topic.
type DeviceState struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

// Command is published on a device set topic.
type Command struct {
	CommandID  string `json:"command_id"`
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Value      any    `json:"value"`
	Timestamp  int64  `json:"timestamp"`
}

type publisher interface {
	Publish(topic, kind string, retained bool, payload []byte) error
	Subscribe(topic, kind string, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

type capabilitySub struct {
	id int
	fn func(any)
}

// Registry implements device.Registry on top of retained device state
// messages. Devices are known once their state was received.
type Registry struct {
	cli    publisher
	prefix string
	log    logger.Logger

	mu      sync.RWMutex
	devices map[string]device.Device
	subs    map[string][]capabilitySub
	nextSub int
}

// NewRegistry subscribes to the state topics below prefix.
func NewRegistry(cli publisher, prefix string) (*Registry, error) {
	r := &Registry{
		cli:     cli,
		prefix:  strings.TrimSuffix(prefix, "/"),
		log:     logger.New("mqtt_registry"),
		devices: make(map[string]device.Device),
		subs:    make(map[string][]capabilitySub),
	}
	if err := cli.Subscribe(r.stateTopic("+"), "state", r.onState); err != nil {
		return nil, fmt.Errorf("subscribe device state: %w", err)
	}
	return r, nil
}

func (r *Registry) stateTopic(id string) string {
	return fmt.Sprintf("%s/device/%s/state", r.prefix, id)
}

func (r *Registry) setTopic(id string) string {
	return fmt.Sprintf("%s/device/%s/set", r.prefix, id)
}

// deviceID extracts the id from <prefix>/device/<id>/state.
func (r *Registry) deviceID(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, r.prefix+"/device/")
	if rest == topic {
		return "", false
	}
	id, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "state" || id == "" {
		return "", false
	}
	return id, true
}

func (r *Registry) onState(_ paho.Client, msg paho.Message) {
	id, ok := r.deviceID(msg.Topic())
	if !ok {
		return
	}
	var st DeviceState
	if err := json.Unmarshal(msg.Payload(), &st); err != nil {
		r.log.Warnf("invalid state for %s: %v", id, err)
		return
	}
	r.apply(id, st)
}

// apply merges a state report into the cache and notifies subscribers of
// the capabilities that changed.
func (r *Registry) apply(id string, st DeviceState) {
	type change struct {
		fns   []capabilitySub
		value any
	}
	var changes []change

	r.mu.Lock()
	dev, known := r.devices[id]
	if !known {
		dev = device.Device{ID: id, Values: make(map[string]any)}
	}
	if st.Name != "" {
		dev.Name = st.Name
	}
	for capability, v := range st.Values {
		old, had := dev.Values[capability]
		dev.Values[capability] = v
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		if fns := r.subs[subKey(id, capability)]; len(fns) > 0 {
			changes = append(changes, change{fns: append([]capabilitySub(nil), fns...), value: v})
		}
	}
	r.devices[id] = dev
	r.mu.Unlock()

	for _, c := range changes {
		for _, s := range c.fns {
			s.fn(c.value)
		}
	}
}

// GetDevice returns a copy of the cached device.
func (r *Registry) GetDevice(_ context.Context, id string) (device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return device.Device{}, fmt.Errorf("%s: %w", id, device.ErrNotFound)
	}
	vals := make(map[string]any, len(d.Values))
	for k, v := range d.Values {
		vals[k] = v
	}
	d.Values = vals
	return d, nil
}

// SetCapabilityValue publishes a command and updates the cache once the
// broker accepted it.
func (r *Registry) SetCapabilityValue(ctx context.Context, id, capability string, value any) error {
	r.mu.RLock()
	d, ok := r.devices[id]
	_, has := d.Values[capability]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, device.ErrNotFound)
	}
	if !has {
		return fmt.Errorf("%s.%s: %w", id, capability, device.ErrUnknownCapability)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := Command{
		CommandID:  uuid.NewString(),
		DeviceID:   id,
		Capability: capability,
		Value:      value,
		Timestamp:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := r.cli.Publish(r.setTopic(id), "command", false, payload); err != nil {
		return fmt.Errorf("publish %s.%s: %w", id, capability, err)
	}
	r.log.Debugw("command sent", map[string]any{
		"command_id": cmd.CommandID,
		"device_id":  id,
		"capability": capability,
	})
	r.apply(id, DeviceState{Values: map[string]any{capability: value}})
	return nil
}

// SubscribeCapability registers fn for value changes of one capability.
func (r *Registry) SubscribeCapability(id, capability string, fn func(any)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	sid := r.nextSub
	k := subKey(id, capability)
	r.subs[k] = append(r.subs[k], capabilitySub{id: sid, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[k]
		for i, s := range list {
			if s.id == sid {
				r.subs[k] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}, nil
}

// Devices returns the ids of all known devices.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	return out
}

// Refresh subscribes to the state topics again so the broker replays the
// retained states.
func (r *Registry) Refresh() error {
	topic := r.stateTopic("+")
	if err := r.cli.Unsubscribe(topic); err != nil {
		r.log.Warnf("refresh unsubscribe: %v", err)
	}
	return r.cli.Subscribe(topic, "state", r.onState)
}

// RunRefresh calls Refresh every interval until ctx is done.
func (r *Registry) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(); err != nil {
				r.log.Errorf("device cache refresh failed: %v", err)
			}
		}
	}
}

func subKey(id, capability string) string { return id + "/" + capability }
