package model

import "time"

// SampleSource identifies where a power reading came from.
type SampleSource string

const (
	SourcePush SampleSource = "push"
	SourcePoll SampleSource = "poll"
)

// PowerSample is one aggregate household power reading.
type PowerSample struct {
	Value      float64      // watts
	ReceivedAt time.Time    // time at which the sample reached the service
	Source     SampleSource // push or poll
}
