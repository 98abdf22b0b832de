package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/infra/logger"
)

// ErrNoReading is returned by Poll when no value is available.
var ErrNoReading = errors.New("no power reading available")

// pollTimeout bounds how long Poll waits for the meter reply.
const pollTimeout = 5 * time.Second

// Meter reads household power from MQTT. Readings are either plain numbers
// or JSON objects with a "power" or "value" field.
type Meter struct {
	cli        publisher
	topic      string
	pollTopic  string
	replyTopic string
	dedup      time.Duration
	now        func() time.Time
	log        logger.Logger
	stats      *meterStats

	mu       sync.Mutex
	push     func(model.PowerSample)
	last     *model.PowerSample
	lastPush time.Time
	pending  map[string]chan float64
}

// NewMeter creates a meter for the topics of cfg. Call Start to subscribe.
func NewMeter(cli publisher, cfg Config) *Meter {
	return &Meter{
		cli:        cli,
		topic:      cfg.MeterTopic,
		pollTopic:  cfg.MeterPollTopic,
		replyTopic: cfg.MeterReplyTopic,
		dedup:      time.Duration(cfg.DedupWindowMS) * time.Millisecond,
		now:        time.Now,
		log:        logger.New("mqtt_meter"),
		stats:      meterMetrics(),
		pending:    make(map[string]chan float64),
	}
}

type reading struct {
	RequestID string   `json:"request_id"`
	Power     *float64 `json:"power"`
	Value     *float64 `json:"value"`
}

// parseReading accepts "1234.5" or {"power":1234.5}.
func parseReading(payload []byte) (float64, string, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, "", nil
	}
	var r reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return 0, "", err
	}
	switch {
	case r.Power != nil:
		return *r.Power, r.RequestID, nil
	case r.Value != nil:
		return *r.Value, r.RequestID, nil
	}
	return 0, r.RequestID, fmt.Errorf("reading without power field")
}

// Start subscribes to the meter topics and calls fn for every new reading.
func (m *Meter) Start(_ context.Context, fn func(model.PowerSample)) error {
	m.mu.Lock()
	m.push = fn
	m.mu.Unlock()
	return m.subscribe()
}

func (m *Meter) subscribe() error {
	if err := m.cli.Subscribe(m.topic, "meter", m.onReading); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, err)
	}
	if m.pollTopic != "" {
		if err := m.cli.Subscribe(m.replyTopic, "meter", m.onReply); err != nil {
			return fmt.Errorf("subscribe %s: %w", m.replyTopic, err)
		}
	}
	return nil
}

func (m *Meter) onReading(_ paho.Client, msg paho.Message) {
	v, _, err := parseReading(msg.Payload())
	if err != nil {
		m.log.Warnf("invalid power reading %q: %v", string(msg.Payload()), err)
		return
	}
	m.deliver(v)
}

// deliver forwards a pushed reading unless it repeats the previous value
// within the dedup window.
func (m *Meter) deliver(v float64) {
	now := m.now()
	m.mu.Lock()
	if m.last != nil && m.last.Value == v && now.Sub(m.lastPush) < m.dedup {
		m.mu.Unlock()
		return
	}
	s := model.PowerSample{Value: v, ReceivedAt: now, Source: model.SourcePush}
	m.last = &s
	m.lastPush = now
	fn := m.push
	m.mu.Unlock()
	m.stats.lastReading.Set(float64(now.Unix()))
	if fn != nil {
		fn(s)
	}
}

func (m *Meter) onReply(_ paho.Client, msg paho.Message) {
	v, id, err := parseReading(msg.Payload())
	if err != nil {
		m.log.Warnf("invalid poll reply: %v", err)
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- v
	}
}

// Poll requests a reading from the meter. Without a poll topic it returns
// the last pushed reading.
func (m *Meter) Poll(ctx context.Context) (model.PowerSample, error) {
	if m.pollTopic == "" {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.last == nil {
			return model.PowerSample{}, ErrNoReading
		}
		s := *m.last
		s.Source = model.SourcePoll
		return s, nil
	}
	id := uuid.NewString()
	ch := make(chan float64, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]string{"request_id": id})
	if err != nil {
		return model.PowerSample{}, err
	}
	sent := time.Now()
	m.stats.pollRequests.Inc()
	if err := m.cli.Publish(m.pollTopic, "meter", false, payload); err != nil {
		return model.PowerSample{}, err
	}
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		m.stats.pollResponses.Inc()
		m.stats.pollLatency.Observe(time.Since(sent).Seconds())
		now := m.now()
		m.stats.lastReading.Set(float64(now.Unix()))
		return model.PowerSample{Value: v, ReceivedAt: now, Source: model.SourcePoll}, nil
	case <-timer.C:
		m.stats.pollTimeouts.Inc()
		return model.PowerSample{}, fmt.Errorf("poll %s: %w", m.pollTopic, ErrNoReading)
	case <-ctx.Done():
		return model.PowerSample{}, ctx.Err()
	}
}

// Reconnect re-creates the meter subscriptions.
func (m *Meter) Reconnect(_ context.Context) error {
	if r, ok := m.cli.(interface{ Reconnect() error }); ok {
		if err := r.Reconnect(); err != nil {
			return err
		}
	}
	return m.subscribe()
}
