// Package astiavgraph provides libav backed implementations of the pieces filters delegate
// work to, plus a plugin routing libav logs to the graph logger.
package astiavgraph

import (
	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astiav"
)

const (
	DeltaStatNameAllocatedFrames = "astiavgraph.allocated.frames"
	DeltaStatNameDecodedFrames   = "astiavgraph.decoded.frames"
)

func ptsToReferenceTime(pts int64) *filtergraph.ReferenceTime {
	if pts == astiav.NoPtsValue {
		return nil
	}
	return filtergraph.ReferenceTimePtr(filtergraph.ReferenceTime(pts))
}

func referenceTimeToPts(t *filtergraph.ReferenceTime) int64 {
	if t == nil {
		return astiav.NoPtsValue
	}
	return int64(*t)
}
