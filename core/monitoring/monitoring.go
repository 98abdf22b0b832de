// Package monitoring forwards unexpected errors to an error tracker. The
// guard core reports through the package functions; the process installs
// the tracker once with Init.
package monitoring

import (
	"sync/atomic"
	"time"
)

// Tag keys understood by the tracker for grouping.
const (
	TagDevice     = "device_id"
	TagCapability = "capability"
	TagModule     = "module"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Recover()
	Flush(timeout time.Duration)
}

// NopMonitor drops every report.
type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Recover()                                  {}
func (NopMonitor) Flush(time.Duration)                       {}

type holder struct{ m Monitor }

var current atomic.Pointer[holder]

func init() { current.Store(&holder{m: NopMonitor{}}) }

// Init installs m. A nil monitor keeps the current one.
func Init(m Monitor) {
	if m != nil {
		current.Store(&holder{m: m})
	}
}

func active() Monitor { return current.Load().m }

// CaptureException records a non-nil error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err != nil {
		active().CaptureException(err, tags)
	}
}

// CaptureDeviceError reports a failed capability write. The tracker groups
// these per device and capability.
func CaptureDeviceError(module, deviceID, capability string, err error) {
	CaptureException(err, map[string]string{
		TagModule:     module,
		TagDevice:     deviceID,
		TagCapability: capability,
	})
}

// Recover captures panics in goroutines. It must be deferred directly.
func Recover() { active().Recover() }

// Flush waits up to d for buffered reports.
func Flush(d time.Duration) { active().Flush(d) }
