package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/powerguard/core/factory"
)

type recordSink struct {
	samples     int
	mitigations int
	err         error
}

func (r *recordSink) RecordSample(SampleEvent) error {
	r.samples++
	return r.err
}

func (r *recordSink) RecordMitigation(MitigationEvent) error {
	r.mitigations++
	return nil
}

type sampleOnly struct{ n int }

func (s *sampleOnly) RecordSample(SampleEvent) error { s.n++; return nil }

func TestMultiSink_Forwards(t *testing.T) {
	s1 := &recordSink{}
	s2 := &sampleOnly{}
	m := NewMultiSink(s1, s2)
	require.NoError(t, m.RecordSample(SampleEvent{}))
	require.NoError(t, m.RecordMitigation(MitigationEvent{}))
	require.NoError(t, m.RecordChargerTarget(ChargerEvent{}))
	assert.Equal(t, 1, s1.samples)
	assert.Equal(t, 1, s1.mitigations)
	assert.Equal(t, 1, s2.n)
}

func TestMultiSink_StopsOnError(t *testing.T) {
	s1 := &recordSink{err: errors.New("down")}
	s2 := &sampleOnly{}
	err := NewMultiSink(s1, s2).RecordSample(SampleEvent{})
	assert.Error(t, err)
	assert.Equal(t, 0, s2.n)
}

func TestNewMetricsSink(t *testing.T) {
	s, err := NewMetricsSink(nil)
	require.NoError(t, err)
	assert.IsType(t, NopSink{}, s)

	s, err = NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}, {Type: "nop"}})
	require.NoError(t, err)
	multi, ok := s.(*MultiSink)
	require.True(t, ok)
	assert.Len(t, multi.Sinks, 2)

	_, err = NewMetricsSink([]factory.ModuleConfig{{Type: "missing"}})
	assert.Error(t, err)
}
