package filtergraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astikit"
)

type AllocatorProperties struct {
	Buffers int
	Size    int
}

// Allocator is a fixed capacity pool of samples. Getting a sample blocks while every
// buffer is in flight, which is how backpressure propagates upstream.
type Allocator struct {
	allocated    int
	cs           *allocatorCumulativeStats
	decommitOnce sync.Once
	decommitted  chan struct{}
	free         chan *Sample
	m            sync.Mutex // Locks allocated
	p            AllocatorProperties
}

type allocatorCumulativeStats struct {
	allocatedBuffers uint64
	inFlightBuffers  uint64
	outgoingSamples  uint64
}

func NewAllocator(p AllocatorProperties) (*Allocator, error) {
	// Validate properties
	if p.Buffers <= 0 {
		return nil, errors.New("filtergraph: buffers must be > 0")
	}
	if p.Size <= 0 {
		return nil, errors.New("filtergraph: size must be > 0")
	}

	// Create allocator
	return &Allocator{
		cs:          &allocatorCumulativeStats{},
		decommitted: make(chan struct{}),
		free:        make(chan *Sample, p.Buffers),
		p:           p,
	}, nil
}

func (a *Allocator) Properties() AllocatorProperties {
	return a.p
}

// Get returns a sample whose reference count is 1
func (a *Allocator) Get(ctx context.Context) (*Sample, error) {
	// Allocator is decommitted
	select {
	case <-a.decommitted:
		return nil, ErrDecommitted
	default:
	}

	// Reuse a free sample first
	var s *Sample
	select {
	case s = <-a.free:
	default:
	}

	// Allocate a new sample
	if s == nil {
		a.m.Lock()
		if a.allocated < a.p.Buffers {
			a.allocated++
			s = newSample(a, a.p.Size)
			atomic.AddUint64(&a.cs.allocatedBuffers, 1)
		}
		a.m.Unlock()
	}

	// Wait for a sample to be released
	if s == nil {
		select {
		case s = <-a.free:
		case <-a.decommitted:
			return nil, ErrDecommitted
		case <-ctx.Done():
			return nil, fmt.Errorf("filtergraph: waiting for a free buffer failed: %w", ctx.Err())
		}
	}

	// Reset sample
	s.reset()
	atomic.AddUint64(&a.cs.inFlightBuffers, 1)
	atomic.AddUint64(&a.cs.outgoingSamples, 1)
	return s, nil
}

func (a *Allocator) put(s *Sample) {
	atomic.AddUint64(&a.cs.inFlightBuffers, ^uint64(0))
	select {
	case a.free <- s:
	default:
	}
}

// Decommit makes pending and future calls to Get fail
func (a *Allocator) Decommit() {
	a.decommitOnce.Do(func() { close(a.decommitted) })
}

type AllocatorCumulativeStats struct {
	AllocatedBuffers uint64
	InFlightBuffers  uint64
	OutgoingSamples  uint64
}

func (a *Allocator) CumulativeStats() AllocatorCumulativeStats {
	return AllocatorCumulativeStats{
		AllocatedBuffers: atomic.LoadUint64(&a.cs.allocatedBuffers),
		InFlightBuffers:  atomic.LoadUint64(&a.cs.inFlightBuffers),
		OutgoingSamples:  atomic.LoadUint64(&a.cs.outgoingSamples),
	}
}

func (a *Allocator) DeltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of allocated buffers",
				Label:       "Allocated buffers",
				Name:        DeltaStatNameAllocatedBuffers,
				Unit:        "b",
			},
			Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&a.cs.allocatedBuffers),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of buffers currently held downstream",
				Label:       "In flight buffers",
				Name:        DeltaStatNameInFlightBuffers,
				Unit:        "b",
			},
			Valuer: astikit.DeltaStatValuerFunc(func(d time.Duration) interface{} {
				return atomic.LoadUint64(&a.cs.inFlightBuffers)
			}),
		},
	}
}
