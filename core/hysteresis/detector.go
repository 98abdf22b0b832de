// Package hysteresis counts consecutive over-limit samples.
package hysteresis

import "sync/atomic"

// Detector tracks how many consecutive smoothed samples exceeded the limit.
// Observe is called from a single goroutine; Count may be read concurrently.
type Detector struct {
	threshold atomic.Int64
	count     atomic.Int64
	// fired is set once the rising edge was reported for the episode.
	fired atomic.Bool
}

// New creates a Detector that becomes active after threshold samples.
func New(threshold int) *Detector {
	d := &Detector{}
	d.SetThreshold(threshold)
	return d
}

// SetThreshold changes the number of consecutive samples required.
func (d *Detector) SetThreshold(threshold int) {
	if threshold < 1 {
		threshold = 1
	}
	d.threshold.Store(int64(threshold))
}

// Observe records one smoothed sample against the limit. rising is true only
// for the first sample of an episode that finds the counter at or above the
// threshold, so a threshold lowered mid-episode still reports once.
func (d *Detector) Observe(smoothed, limit float64) (count int, rising bool) {
	if smoothed <= limit {
		d.Reset()
		return 0, false
	}
	c := d.count.Add(1)
	if c < d.threshold.Load() {
		return int(c), false
	}
	return int(c), !d.fired.Swap(true)
}

// Count returns the current number of consecutive over-limit samples.
func (d *Detector) Count() int { return int(d.count.Load()) }

// Active reports whether the counter reached the threshold.
func (d *Detector) Active() bool { return d.count.Load() >= d.threshold.Load() }

// Cleared reports whether the last sample was at or below the limit.
func (d *Detector) Cleared() bool { return d.count.Load() == 0 }

// Reset clears the counter and starts a new episode.
func (d *Detector) Reset() {
	d.count.Store(0)
	d.fired.Store(false)
}
