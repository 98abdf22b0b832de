// Package metrics defines the sinks that record the guard activity. Sinks
// like PromSink and InfluxSink (infra/metrics) record power samples,
// mitigation decisions and charger targets and can be combined with
// NewMultiSink. NewMetricsSink builds the configured sinks through the
// factory registry and returns a MultiSink when more than one is configured.
package metrics
