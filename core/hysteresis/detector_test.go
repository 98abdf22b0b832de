package hysteresis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_RisingEdgeFiresOnce(t *testing.T) {
	d := New(3)
	var edges int
	for i := 1; i <= 6; i++ {
		c, rising := d.Observe(11000, 10000)
		assert.Equal(t, i, c)
		if rising {
			edges++
			assert.Equal(t, 3, c)
		}
	}
	assert.Equal(t, 1, edges)
	assert.True(t, d.Active())
}

func TestDetector_ResetsAtOrBelowLimit(t *testing.T) {
	d := New(2)
	d.Observe(11000, 10000)
	d.Observe(11000, 10000)
	assert.True(t, d.Active())
	c, rising := d.Observe(10000, 10000)
	assert.Equal(t, 0, c)
	assert.False(t, rising)
	assert.True(t, d.Cleared())
	assert.False(t, d.Active())

	// a new excursion yields a new edge
	d.Observe(11000, 10000)
	_, rising = d.Observe(11000, 10000)
	assert.True(t, rising)
}

func TestDetector_Threshold(t *testing.T) {
	d := New(0)
	c, rising := d.Observe(2, 1)
	assert.Equal(t, 1, c)
	assert.True(t, rising)

	d.Reset()
	d.SetThreshold(5)
	for i := 0; i < 4; i++ {
		d.Observe(2, 1)
	}
	assert.False(t, d.Active())
	assert.Equal(t, 4, d.Count())
}

func TestDetector_LoweredThresholdMidEpisode(t *testing.T) {
	d := New(5)
	for i := 0; i < 3; i++ {
		_, rising := d.Observe(11000, 10000)
		assert.False(t, rising)
	}
	d.SetThreshold(2)
	c, rising := d.Observe(11000, 10000)
	assert.Equal(t, 4, c)
	assert.True(t, rising, "counter already past the new threshold")
	_, rising = d.Observe(11000, 10000)
	assert.False(t, rising)

	d.Reset()
	d.Observe(11000, 10000)
	_, rising = d.Observe(11000, 10000)
	assert.True(t, rising, "reset starts a new episode")
}
