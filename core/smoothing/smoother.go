// Package smoothing turns the raw household power readings into a moving
// average and drops single-sample surges.
package smoothing

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// MaxSamples bounds the ring buffer regardless of the configured window.
const MaxSamples = 60

// Smoother keeps the last MaxSamples accepted readings.
type Smoother struct {
	mu         sync.RWMutex
	buf        []float64
	window     int
	multiplier float64
}

// New creates a Smoother averaging over window samples. A reading above
// average*multiplier is rejected once the window is full.
func New(window int, multiplier float64) *Smoother {
	s := &Smoother{buf: make([]float64, 0, MaxSamples)}
	s.SetWindow(window)
	s.SetSpikeMultiplier(multiplier)
	return s
}

// SetWindow changes the averaging window. Values below 1 are treated as 1.
func (s *Smoother) SetWindow(window int) {
	if window < 1 {
		window = 1
	}
	s.mu.Lock()
	s.window = window
	s.mu.Unlock()
}

// SetSpikeMultiplier changes the spike rejection factor. A multiplier of 1 or
// less disables spike rejection.
func (s *Smoother) SetSpikeMultiplier(m float64) {
	s.mu.Lock()
	s.multiplier = m
	s.mu.Unlock()
}

// Push adds a raw reading and returns the smoothed value. ok is false when
// the reading was rejected and no average is available yet.
func (s *Smoother) Push(raw float64) (smoothed float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerLocked(raw)
	return s.averageLocked()
}

// Offer adds a raw reading like Push and reports whether it entered the
// buffer. Rejected spikes and non numeric readings return accepted=false.
func (s *Smoother) Offer(raw float64) (smoothed float64, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accepted = s.offerLocked(raw)
	smoothed, _ = s.averageLocked()
	return smoothed, accepted
}

func (s *Smoother) offerLocked(raw float64) bool {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return false
	}
	if len(s.buf) >= s.window && s.multiplier > 1 {
		if avg, has := s.averageLocked(); has && raw > avg*s.multiplier {
			return false
		}
	}
	s.buf = append(s.buf, raw)
	if len(s.buf) > MaxSamples {
		n := copy(s.buf, s.buf[len(s.buf)-MaxSamples:])
		s.buf = s.buf[:n]
	}
	return true
}

// Average returns the mean of the most recent min(len, window) readings.
func (s *Smoother) Average() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.averageLocked()
}

func (s *Smoother) averageLocked() (float64, bool) {
	if len(s.buf) == 0 {
		return 0, false
	}
	n := s.window
	if n > len(s.buf) {
		n = len(s.buf)
	}
	return stat.Mean(s.buf[len(s.buf)-n:], nil), true
}

// Len returns the number of buffered readings.
func (s *Smoother) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Values returns a copy of the buffered readings, oldest first.
func (s *Smoother) Values() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.buf))
	copy(out, s.buf)
	return out
}

// Reset drops all buffered readings.
func (s *Smoother) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}
