package astiavgraph

import (
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

// framePool recycles frames received from a decoder. Frames are freed when the closer is.
type framePool struct {
	allocated *uint64
	c         *astikit.Closer
	fs        []*astiav.Frame
	m         sync.Mutex // Locks fs
}

// newFramePool increments the provided counter each time a frame is allocated
func newFramePool(c *astikit.Closer, allocated *uint64) *framePool {
	return &framePool{
		allocated: allocated,
		c:         c,
	}
}

func (fp *framePool) get() (f *astiav.Frame) {
	// Lock
	fp.m.Lock()
	defer fp.m.Unlock()

	// Reuse last frame
	if l := len(fp.fs); l > 0 {
		f = fp.fs[l-1]
		fp.fs = fp.fs[:l-1]
		return
	}

	// Allocate frame
	f = astiav.AllocFrame()
	atomic.AddUint64(fp.allocated, 1)

	// Make sure frame is freed properly
	fp.c.Add(f.Free)
	return
}

func (fp *framePool) put(f *astiav.Frame) {
	// Unref
	f.Unref()

	// Lock
	fp.m.Lock()
	defer fp.m.Unlock()

	// Append
	fp.fs = append(fp.fs, f)
}
