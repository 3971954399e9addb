package filtergraph

import (
	"fmt"
	"sync/atomic"
)

// Sample is handed to the downstream pin synchronously and goes back to its allocator
// once its last reference is released
type Sample struct {
	a             *Allocator
	b             []byte
	discontinuity bool
	duration      *ReferenceTime
	n             int
	preroll       bool
	pts           *ReferenceTime
	rc            int32
	syncPoint     bool
}

func newSample(a *Allocator, size int) *Sample {
	return &Sample{
		a: a,
		b: make([]byte, size),
	}
}

func (s *Sample) reset() {
	s.discontinuity = false
	s.duration = nil
	s.n = 0
	s.preroll = false
	s.pts = nil
	s.syncPoint = false
	atomic.StoreInt32(&s.rc, 1)
}

func (s *Sample) Retain() {
	atomic.AddInt32(&s.rc, 1)
}

func (s *Sample) Release() {
	if atomic.AddInt32(&s.rc, -1) != 0 {
		return
	}
	if s.a != nil {
		s.a.put(s)
	}
}

// Bytes returns the valid part of the buffer
func (s *Sample) Bytes() []byte {
	return s.b[:s.n]
}

// Buffer returns the whole buffer regardless of the valid length
func (s *Sample) Buffer() []byte {
	return s.b
}

func (s *Sample) Size() int {
	return len(s.b)
}

func (s *Sample) Length() int {
	return s.n
}

func (s *Sample) SetLength(n int) error {
	if n < 0 || n > len(s.b) {
		return fmt.Errorf("filtergraph: length %d is out of [0, %d]: %w", n, len(s.b), ErrResourceExhausted)
	}
	s.n = n
	return nil
}

// SetBytes copies the provided bytes into the buffer
func (s *Sample) SetBytes(b []byte) error {
	if len(b) > len(s.b) {
		return fmt.Errorf("filtergraph: %d bytes don't fit in a %d bytes buffer: %w", len(b), len(s.b), ErrResourceExhausted)
	}
	s.n = copy(s.b, b)
	return nil
}

// Time returns the presentation time and the duration, both being optional
func (s *Sample) Time() (pts, duration *ReferenceTime) {
	return s.pts, s.duration
}

// SetTime sets the presentation time and the duration. A duration without presentation
// time is ignored.
func (s *Sample) SetTime(pts, duration *ReferenceTime) {
	s.pts = nil
	s.duration = nil
	if pts == nil {
		return
	}
	s.pts = ReferenceTimePtr(*pts)
	if duration != nil {
		s.duration = ReferenceTimePtr(*duration)
	}
}

func (s *Sample) Discontinuity() bool {
	return s.discontinuity
}

func (s *Sample) SetDiscontinuity(v bool) {
	s.discontinuity = v
}

func (s *Sample) Preroll() bool {
	return s.preroll
}

func (s *Sample) SetPreroll(v bool) {
	s.preroll = v
}

func (s *Sample) SyncPoint() bool {
	return s.syncPoint
}

func (s *Sample) SetSyncPoint(v bool) {
	s.syncPoint = v
}
