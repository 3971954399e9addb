package filtergraph

import (
	"math"
	"time"
)

const ReferenceTimePerSecond = 10_000_000

// ReferenceTime is expressed in 100ns units
type ReferenceTime int64

func ReferenceTimeFromSeconds(t float64) ReferenceTime {
	return ReferenceTime(math.Round(t * ReferenceTimePerSecond))
}

func ReferenceTimeFromDuration(d time.Duration) ReferenceTime {
	return ReferenceTime(d / 100)
}

func ReferenceTimePtr(t ReferenceTime) *ReferenceTime {
	return &t
}

func (t ReferenceTime) Duration() time.Duration {
	return time.Duration(t) * 100
}

func (t ReferenceTime) Seconds() float64 {
	return float64(t) / ReferenceTimePerSecond
}
