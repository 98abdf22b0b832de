package testutil

import (
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Message is a published MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// MemoryBroker routes messages between in-process subscribers. Retained
// messages are replayed on subscribe like a real broker does.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      map[string]paho.MessageHandler
	retained  map[string][]byte
	published []Message
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]paho.MessageHandler), retained: make(map[string][]byte)}
}

// Publish delivers payload to every matching subscription.
func (b *MemoryBroker) Publish(topic, _ string, retained bool, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, Message{Topic: topic, Payload: payload, Retained: retained})
	if retained {
		b.retained[topic] = payload
	}
	var handlers []paho.MessageHandler
	for filter, h := range b.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(nil, message{topic: topic, payload: payload, retained: retained})
	}
	return nil
}

// Subscribe registers handler and replays matching retained messages.
func (b *MemoryBroker) Subscribe(filter, _ string, handler paho.MessageHandler) error {
	b.mu.Lock()
	b.subs[filter] = handler
	var replay []message
	for topic, p := range b.retained {
		if Match(filter, topic) {
			replay = append(replay, message{topic: topic, payload: p, retained: true})
		}
	}
	b.mu.Unlock()
	for _, m := range replay {
		handler(nil, m)
	}
	return nil
}

// Unsubscribe removes the subscription.
func (b *MemoryBroker) Unsubscribe(filter string) error {
	b.mu.Lock()
	delete(b.subs, filter)
	b.mu.Unlock()
	return nil
}

// Published returns the messages sent to topics starting with prefix.
func (b *MemoryBroker) Published(prefix string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if strings.HasPrefix(m.Topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// Match reports whether topic matches the MQTT filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return m.retained }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}
