// Package app wires the guard components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/powerguard/api/status"
	"github.com/kilianp07/powerguard/config"
	"github.com/kilianp07/powerguard/core/control"
	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/journal"
	coremetrics "github.com/kilianp07/powerguard/core/metrics"
	"github.com/kilianp07/powerguard/core/mitigation"
	"github.com/kilianp07/powerguard/core/model"
	coremon "github.com/kilianp07/powerguard/core/monitoring"
	"github.com/kilianp07/powerguard/core/settings"
	"github.com/kilianp07/powerguard/infra/logger"
	"github.com/kilianp07/powerguard/infra/metrics"
	"github.com/kilianp07/powerguard/infra/monitoring"
	"github.com/kilianp07/powerguard/infra/mqtt"
	infsettings "github.com/kilianp07/powerguard/infra/settings"
	"github.com/kilianp07/powerguard/internal/eventbus"
)

// Broker is the MQTT surface the service needs.
type Broker interface {
	Publish(topic, kind string, retained bool, payload []byte) error
	Subscribe(topic, kind string, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Service orchestrates the control driver and its adapters.
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	broker   Broker
	store    settings.Store
	queue    *settings.RetryQueue
	journal  journal.Store
	sink     coremetrics.MetricsSink
	bus      *eventbus.TypedBus[events.Notification]
	registry *mqtt.Registry
	notifier *mqtt.Notifier
	Engine   *mitigation.Engine
	Driver   *control.Driver
	router   http.Handler
}

// New connects to the broker and creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logger.SetLevel(cfg.LogLevel)
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	client, err := mqtt.NewPahoClient(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}
	svc, err := NewWithBroker(cfg, client)
	if err != nil {
		client.Disconnect()
		return nil, err
	}
	return svc, nil
}

// NewWithBroker creates a Service on top of an existing broker connection.
func NewWithBroker(cfg *config.Config, broker Broker) (*Service, error) {
	log := logger.New("service")
	s := &Service{cfg: cfg, log: log, broker: broker}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("settings store: %w", err)
	}
	s.store = store
	s.queue = settings.NewRetryQueue(store, settings.DefaultMaxAttempts, logger.New("settings"))

	if s.journal, err = cfg.Journal.Open(); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("journal: %w", err)
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		s.closeStore()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	s.bus = eventbus.NewTyped[events.Notification]()

	if s.registry, err = mqtt.NewRegistry(broker, cfg.MQTT.Prefix); err != nil {
		s.closeStore()
		return nil, err
	}
	s.notifier = mqtt.NewNotifier(broker, cfg.MQTT.Prefix)

	s.Engine, err = mitigation.NewEngine(mitigation.Options{
		Registry:  s.registry,
		Settings:  store,
		Queue:     s.queue,
		Publisher: s.bus,
		Metrics:   s.sink,
		Journal:   s.journal,
		Logger:    logger.New("engine"),
	})
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.Driver, err = control.NewDriver(control.Options{
		Engine:    s.Engine,
		Source:    mqtt.NewMeter(broker, cfg.MQTT),
		Publisher: s.bus,
		Metrics:   s.sink,
		Logger:    logger.New("control"),
		Timers:    cfg.Control,
	})
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.router = status.NewRouter(status.Options{
		Controller: &persistingController{Driver: s.Driver, save: s.saveGuard},
		Journal:    s.journal,
		Token:      cfg.API.Token,
		Metrics:    metrics.Handler(nil),
	})
	return s, nil
}

func openStore(c config.StoreConfig) (settings.Store, error) {
	switch c.Backend {
	case "sqlite":
		return infsettings.NewSQLiteStore(c.Path)
	case "memory":
		return settings.NewMemoryStore(), nil
	}
	return infsettings.NewFileStore(c.Path)
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.router }

// initialGuard returns the configured guard with the profile that was active
// before the last shutdown.
func (s *Service) initialGuard() model.Config {
	guard := s.cfg.Guard.Clone()
	var stored model.Config
	ok, err := settings.Decode(s.store, settings.KeyGuard, &stored)
	if err != nil {
		s.log.Warnf("stored guard settings unreadable: %v", err)
		return guard
	}
	if ok && stored.Profile != "" {
		if _, known := guard.Profiles[stored.Profile]; known {
			guard.Profile = stored.Profile
		}
	}
	return guard
}

func (s *Service) saveGuard(cfg model.Config) {
	if err := s.queue.Save(settings.KeyGuard, cfg); err != nil {
		s.log.Warnf("persist guard settings: %v", err)
	}
}

// Start loads the persisted ledger and queues the initial configuration.
// It must be called before Run.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Engine.Load(ctx); err != nil {
		s.log.Errorf("load ledger: %v", err)
		coremon.CaptureException(err, map[string]string{"module": "engine"})
	}
	return s.Driver.UpdateConfig(ctx, s.initialGuard())
}

// Run starts every loop and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("initial config: %w", err)
	}
	var wg sync.WaitGroup
	goRun := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			s.log.Debugf("%s stopped", name)
		}()
	}

	goRun("notifier", func() { s.bus.Consume(ctx, s.notifier.Publish) })
	metrics.StartEventCollector(ctx, s.bus, s.sink)
	goRun("settings retry", func() {
		s.queue.Run(ctx, time.Duration(s.cfg.Store.RetrySeconds)*time.Second)
	})
	goRun("device refresh", func() {
		s.registry.RunRefresh(ctx, time.Duration(s.cfg.MQTT.RefreshSeconds)*time.Second)
	})
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		goRun("prometheus", func() {
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		})
	}
	if addr := s.cfg.API.Addr; addr != "" {
		goRun("api", func() {
			if err := serve(ctx, addr, s.router); err != nil {
				s.log.Errorf("api server: %v", err)
			}
		})
	}

	err := s.Driver.Run(ctx)
	wg.Wait()
	return err
}

// Reload applies a reloaded configuration file. Only the guard section is
// hot reloaded; other sections need a restart.
func (s *Service) Reload(ctx context.Context, cfg *config.Config) error {
	if err := s.Driver.UpdateConfig(ctx, cfg.Guard); err != nil {
		return err
	}
	s.saveGuard(s.Driver.Config())
	s.log.Infof("guard configuration reloaded")
	return nil
}

func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) closeStore() {
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warnf("close settings store: %v", err)
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	s.Engine.Close()
	s.bus.Close()
	if s.queue.Len() > 0 {
		s.queue.Process()
	}
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal: %w", err))
	}
	s.closeStore()
	if d, ok := s.broker.(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}

// persistingController stores the guard settings after a profile switch.
type persistingController struct {
	*control.Driver
	save func(model.Config)
}

func (p *persistingController) SetProfile(ctx context.Context, profile string) error {
	if err := p.Driver.SetProfile(ctx, profile); err != nil {
		return err
	}
	p.save(p.Driver.Config())
	return nil
}
