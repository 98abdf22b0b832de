// Package monitoring reports guard errors to Sentry.
package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	coremon "github.com/kilianp07/powerguard/core/monitoring"
)

// Config defines the Sentry client options.
type Config struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	Release          string  `json:"release"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
}

// NewSentryMonitor initializes Sentry using the provided configuration and
// returns a Monitor implementation. An empty DSN disables reporting.
func NewSentryMonitor(cfg Config) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{}, nil
}

type sentryMonitor struct{}

// fingerprint groups device command failures per device and capability so
// an offline device does not flood one generic issue.
func fingerprint(tags map[string]string) []string {
	id := tags[coremon.TagDevice]
	if id == "" {
		return nil
	}
	return []string{"{{ default }}", id, tags[coremon.TagCapability]}
}

// levelFor reports device failures as warnings: the guard keeps running
// and retries on the next sample.
func levelFor(tags map[string]string) sentry.Level {
	if tags[coremon.TagDevice] != "" {
		return sentry.LevelWarning
	}
	return sentry.LevelError
}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", "powerguard")
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(levelFor(tags))
		if fp := fingerprint(tags); fp != nil {
			scope.SetFingerprint(fp)
		}
		sentry.CaptureException(err)
	})
}

func (s *sentryMonitor) Recover() {
	if r := recover(); r != nil {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(2 * time.Second)
		panic(r)
	}
}

func (s *sentryMonitor) Flush(timeout time.Duration) { sentry.Flush(timeout) }
