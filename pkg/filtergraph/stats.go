package filtergraph

import (
	"sync/atomic"

	"github.com/asticode/go-astikit"
)

const (
	DeltaStatNameAllocatedBuffers = "filtergraph.allocated.buffers"
	DeltaStatNameHostUsage        = "filtergraph.host.usage"
	DeltaStatNameInFlightBuffers  = "filtergraph.in_flight.buffers"
	DeltaStatNameIncomingByteRate = "filtergraph.incoming.byte_rate"
	DeltaStatNameIncomingRate     = "filtergraph.incoming.rate"
	DeltaStatNameOutgoingByteRate = "filtergraph.outgoing.byte_rate"
	DeltaStatNameOutgoingRate     = "filtergraph.outgoing.rate"
)

type DeltaStatHostUsageValue struct {
	CPU    DeltaStatHostCPUUsageValue    `json:"cpu"`
	Memory DeltaStatHostMemoryUsageValue `json:"memory"`
}

type DeltaStatHostCPUUsageValue struct {
	Individual []float64 `json:"individual"`
	Process    *float64  `json:"process,omitempty"`
	Total      float64   `json:"total"`
}

type DeltaStatHostMemoryUsageValue struct {
	Resident uint64 `json:"resident"`
	Total    uint64 `json:"total"`
	Used     uint64 `json:"used"`
	Virtual  uint64 `json:"virtual"`
}

// DeltaStater is implemented by filters exposing stats
type DeltaStater interface {
	DeltaStats() []astikit.DeltaStat
}

type pinCumulativeStats struct {
	bytes   uint64
	samples uint64
}

func (cs *pinCumulativeStats) add(s *Sample) {
	atomic.AddUint64(&cs.samples, 1)
	atomic.AddUint64(&cs.bytes, uint64(s.Length()))
}

func (p *BasePin) deltaStats() []astikit.DeltaStat {
	rateName, byteRateName, prefix := DeltaStatNameIncomingRate, DeltaStatNameIncomingByteRate, "Incoming"
	if p.dir == PinDirectionOutput {
		rateName, byteRateName, prefix = DeltaStatNameOutgoingRate, DeltaStatNameOutgoingByteRate, "Outgoing"
	}
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of samples going through pin " + p.name + " per second",
				Label:       prefix + " rate (" + p.name + ")",
				Name:        rateName,
				Unit:        "sps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&p.cs.samples),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of bytes going through pin " + p.name + " per second",
				Label:       prefix + " byte rate (" + p.name + ")",
				Name:        byteRateName,
				Unit:        "Bps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&p.cs.bytes),
		},
	}
}

type PinCumulativeStats struct {
	Bytes   uint64
	Samples uint64
}

func (p *BasePin) CumulativeStats() PinCumulativeStats {
	return PinCumulativeStats{
		Bytes:   atomic.LoadUint64(&p.cs.bytes),
		Samples: atomic.LoadUint64(&p.cs.samples),
	}
}
