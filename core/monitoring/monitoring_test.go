package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	errs    []error
	tags    []map[string]string
	flushed time.Duration
}

func (r *recorder) CaptureException(err error, tags map[string]string) {
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}
func (r *recorder) Recover()              {}
func (r *recorder) Flush(d time.Duration) { r.flushed = d }

func TestCaptureDeviceError(t *testing.T) {
	rec := &recorder{}
	Init(rec)
	t.Cleanup(func() { Init(NopMonitor{}) })

	Init(nil)
	CaptureException(nil, nil)
	CaptureDeviceError("strategy", "heater", "onoff", errors.New("timeout"))
	Flush(time.Second)

	require.Len(t, rec.errs, 1, "nil errors are not reported")
	assert.Equal(t, map[string]string{
		TagModule:     "strategy",
		TagDevice:     "heater",
		TagCapability: "onoff",
	}, rec.tags[0])
	assert.Equal(t, time.Second, rec.flushed)
}
