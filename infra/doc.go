// Package infra holds the adapters of the guard: the MQTT device registry
// and power meter, metric sinks, settings stores and error reporting.
// Domain logic stays in core; infra packages only implement its interfaces.
package infra
