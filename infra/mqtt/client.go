// Package mqtt connects the guard to the home automation broker: device
// state and commands, the household power meter and outbound
// notifications.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/powerguard/core/monitoring"
	"github.com/kilianp07/powerguard/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	LWTTopic   string          `json:"lwt_topic"`
	LWTPayload string          `json:"lwt_payload"`
	LWTQoS     byte            `json:"lwt_qos"`
	LWTRetain  bool            `json:"lwt_retain"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`

	// Prefix is prepended to every device and event topic.
	Prefix string `json:"prefix"`
	// MeterTopic carries pushed power readings in watts.
	MeterTopic string `json:"meter_topic"`
	// MeterPollTopic receives poll requests; the meter answers on
	// MeterReplyTopic. Polling is disabled when empty.
	MeterPollTopic  string `json:"meter_poll_topic"`
	MeterReplyTopic string `json:"meter_reply_topic"`
	// DedupWindowMS drops repeated identical readings within the window.
	DedupWindowMS int `json:"dedup_window_ms"`
	// RefreshSeconds is the device state cache refresh period.
	RefreshSeconds int `json:"refresh_seconds"`
}

// SetDefaults applies default values for unset fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "powerguard"
	}
	if c.Prefix == "" {
		c.Prefix = "powerguard"
	}
	if c.MeterTopic == "" {
		c.MeterTopic = c.Prefix + "/meter/power"
	}
	if c.DedupWindowMS == 0 {
		c.DedupWindowMS = 1000
	}
	if c.RefreshSeconds == 0 {
		c.RefreshSeconds = 300
	}
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if c.MeterPollTopic != "" && c.MeterReplyTopic == "" {
		return errors.New("mqtt meter_reply_topic is required with meter_poll_topic")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type subscription struct {
	qos     byte
	handler paho.MessageHandler
}

// PahoClient wraps a paho client with publish retries and subscriptions
// that survive reconnects.
type PahoClient struct {
	cli        pahoClient
	qos        map[string]byte
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration

	mu   sync.Mutex
	subs map[string]subscription
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		logger:     log,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		subs:       make(map[string]subscription),
	}
	if pc.maxRetries <= 0 {
		pc.maxRetries = 3
	}
	if pc.backoff <= 0 {
		pc.backoff = 100 * time.Millisecond
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		pc.resubscribe()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	pc.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetConnectTimeout(5 * time.Second)
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (p *PahoClient) qosFor(kind string) byte {
	if q, ok := p.qos[kind]; ok {
		return q
	}
	return 0
}

// Publish sends payload to topic, retrying with exponential backoff. kind
// selects the QoS from the configuration.
func (p *PahoClient) Publish(topic, kind string, retained bool, payload []byte) error {
	qos := p.qosFor(kind)
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		p.logger.Errorf("publish to %s attempt %d failed: %v", topic, attempt+1, publishErr)
		if attempt < p.maxRetries {
			time.Sleep(p.backoff * time.Duration(1<<attempt))
		}
	}
	monitoring.CaptureException(publishErr, map[string]string{"topic": topic, "module": "mqtt"})
	return publishErr
}

// Subscribe registers handler for topic. The subscription is restored after
// every reconnect.
func (p *PahoClient) Subscribe(topic, kind string, handler paho.MessageHandler) error {
	s := subscription{qos: p.qosFor(kind), handler: handler}
	p.mu.Lock()
	p.subs[topic] = s
	p.mu.Unlock()
	token := p.cli.Subscribe(topic, s.qos, handler)
	token.Wait()
	return token.Error()
}

// Unsubscribe removes the subscription for topic.
func (p *PahoClient) Unsubscribe(topic string) error {
	p.mu.Lock()
	delete(p.subs, topic)
	p.mu.Unlock()
	token := p.cli.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (p *PahoClient) resubscribe() {
	p.mu.Lock()
	subs := make(map[string]subscription, len(p.subs))
	for k, v := range p.subs {
		subs[k] = v
	}
	p.mu.Unlock()
	for topic, s := range subs {
		if token := p.cli.Subscribe(topic, s.qos, s.handler); token.Wait() && token.Error() != nil {
			p.logger.Errorf("subscribe %s error: %v", topic, token.Error())
		}
	}
}

// Reconnect drops the connection and connects again. Subscriptions are
// restored by the connect handler.
func (p *PahoClient) Reconnect() error {
	if p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
	token := p.cli.Connect()
	token.Wait()
	return token.Error()
}

// Connected reports whether the client is online.
func (p *PahoClient) Connected() bool {
	return p.cli != nil && p.cli.IsConnected()
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
