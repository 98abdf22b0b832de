package mqtt

import (
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type record struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// mockClient implements pahoClient and paho.Client for tests.
type mockClient struct {
	mu           sync.Mutex
	opts         *paho.ClientOptions
	subscribed   []record
	unsubscribed []string
	published    []record
	publishErrs  []error
	handlers     map[string]paho.MessageHandler
	onPublish    func(topic string, payload []byte)
}

func withMockClient(t *testing.T) *mockClient {
	t.Helper()
	mc := &mockClient{handlers: make(map[string]paho.MessageHandler)}
	prev := newMQTTClient
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = prev })
	return mc
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	b, _ := payload.([]byte)
	m.published = append(m.published, record{topic: topic, qos: qos, retained: retained, payload: b})
	var err error
	if len(m.publishErrs) > 0 {
		err = m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
	}
	hook := m.onPublish
	m.mu.Unlock()
	if err == nil && hook != nil {
		hook(topic, b)
	}
	return &dummyToken{err: err}
}
func (m *mockClient) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	m.mu.Lock()
	m.subscribed = append(m.subscribed, record{topic: topic, qos: qos})
	if m.handlers == nil {
		m.handlers = make(map[string]paho.MessageHandler)
	}
	m.handlers[topic] = h
	m.mu.Unlock()
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(topics ...string) paho.Token {
	m.mu.Lock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	for _, t := range topics {
		delete(m.handlers, t)
	}
	m.mu.Unlock()
	return &dummyToken{}
}
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

// deliver hands a message to the handler registered for filter.
func (m *mockClient) deliver(filter, topic, payload string) bool {
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(m, mockMessage{topic: topic, p: []byte(payload)})
	return true
}

func (m *mockClient) publishedTo(prefix string) []record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record
	for _, r := range m.published {
		if strings.HasPrefix(r.topic, prefix) {
			out = append(out, r)
		}
	}
	return out
}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func newTestClient(t *testing.T) (*PahoClient, *mockClient) {
	t.Helper()
	mc := withMockClient(t)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", ClientID: "test", MaxRetries: 1, BackoffMS: 1})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return cli, mc
}
