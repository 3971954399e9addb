package astiavgraph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filters/videodecoder"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

var _ videodecoder.FrameDecoder = (*Decoder)(nil)

var sequenceHeaderStartCode = []byte{0, 0, 1, mpeg1.StartCodeSequenceHeader}

// DecoderFactory creates libav backed MPEG-1 frame decoders and aggregates their stats
type DecoderFactory struct {
	cs *decoderCumulativeStats
	o  DecoderOptions
}

type decoderCumulativeStats struct {
	allocatedFrames uint64
	decodedFrames   uint64
}

type DecoderOptions struct {
	ThreadCount int
	ThreadType  astiav.ThreadType
}

func NewDecoderFactory(o DecoderOptions) *DecoderFactory {
	return &DecoderFactory{
		cs: &decoderCumulativeStats{},
		o:  o,
	}
}

func (f *DecoderFactory) DeltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of allocated frames",
				Label:       "Allocated frames",
				Name:        DeltaStatNameAllocatedFrames,
				Unit:        "f",
			},
			Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&f.cs.allocatedFrames),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of frames output by libav per second",
				Label:       "Decoded frames",
				Name:        DeltaStatNameDecodedFrames,
				Unit:        "fps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&f.cs.decodedFrames),
		},
	}
}

// New matches videodecoder.NewFrameDecoderFunc
func (f *DecoderFactory) New(o videodecoder.FrameDecoderOptions) (videodecoder.FrameDecoder, error) {
	return newDecoder(f.o, o, f.cs)
}

// Decoder is not safe for concurrent use
type Decoder struct {
	c        *astikit.Closer
	cs       *decoderCumulativeStats
	ctx      context.Context
	fp       *framePool
	p        *astiav.Packet
	r        decoderReader
	sh       []byte
	shPassed bool
}

func newDecoder(o DecoderOptions, fo videodecoder.FrameDecoderOptions, cs *decoderCumulativeStats) (d *Decoder, err error) {
	// Create decoder
	d = &Decoder{
		c:   astikit.NewCloser(),
		cs:  cs,
		ctx: fo.Context,
		sh:  fo.SequenceHeader,
	}
	d.fp = newFramePool(d.c, &cs.allocatedFrames)
	if d.ctx == nil {
		d.ctx = context.Background()
	}

	// Make sure to close the decoder on error
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	// Find codec
	codec := astiav.FindDecoder(astiav.CodecIDMpeg1Video)
	if codec == nil {
		err = errors.New("astiavgraph: no mpeg1 video decoder found")
		return
	}

	// Create reader
	r := newDecoderReader(codec)
	if r == nil {
		err = errors.New("astiavgraph: empty reader")
		return
	}
	d.c.Add(func() {
		classers.del(r)
		r.Free()
	})

	// Set thread parameters
	if o.ThreadCount > 0 {
		r.SetThreadCount(o.ThreadCount)
	}
	if o.ThreadType != astiav.ThreadTypeUndefined {
		r.SetThreadType(o.ThreadType)
	}

	// Open
	if err = r.Open(codec, nil); err != nil {
		err = fmt.Errorf("astiavgraph: opening reader failed: %w", err)
		return
	}

	// Store reader
	d.r = r
	classers.set(r, d.ctx)

	// Allocate packet
	d.p = astiav.AllocPacket()
	d.c.Add(d.p.Free)
	return
}

func (d *Decoder) Close() {
	d.c.Close() //nolint: errcheck
}

func (d *Decoder) Decode(data []byte, pts *filtergraph.ReferenceTime, fn videodecoder.FrameFunc) error {
	// The decoder needs a sequence header before the first picture
	if !d.shPassed {
		d.shPassed = true
		if len(d.sh) > 0 && !bytes.HasPrefix(data, sequenceHeaderStartCode) {
			data = append(append(make([]byte, 0, len(d.sh)+len(data)), d.sh...), data...)
		}
	}

	// Fill packet
	if err := d.p.FromData(data); err != nil {
		return fmt.Errorf("astiavgraph: filling packet failed: %w", err)
	}
	defer d.p.Unref()
	d.p.SetPts(referenceTimeToPts(pts))

	// Decode
	return d.decode(d.p, fn)
}

// Flush drains the decoder, which can't decode anything afterwards
func (d *Decoder) Flush(fn videodecoder.FrameFunc) error {
	return d.decode(nil, fn)
}

func (d *Decoder) decode(p *astiav.Packet, fn videodecoder.FrameFunc) error {
	// Send packet
	if err := d.r.SendPacket(p); err != nil {
		return fmt.Errorf("astiavgraph: sending packet failed: %w", err)
	}

	// Loop
	for {
		// Receive frame
		if stop, err := d.receiveFrame(fn); err != nil {
			return err
		} else if stop {
			return nil
		}
	}
}

func (d *Decoder) receiveFrame(fn videodecoder.FrameFunc) (stop bool, err error) {
	// Get frame
	f := d.fp.get()
	defer d.fp.put(f)

	// Receive frame
	if err = d.r.ReceiveFrame(f); err != nil {
		if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
			err = nil
		} else {
			err = fmt.Errorf("astiavgraph: receiving frame failed: %w", err)
		}
		stop = true
		return
	}

	// Update stats
	atomic.AddUint64(&d.cs.decodedFrames, 1)

	// Convert frame
	var vf videodecoder.Frame
	if vf, err = newVideoDecoderFrame(f); err != nil {
		err = fmt.Errorf("astiavgraph: converting frame failed: %w", err)
		return
	}

	// Callback
	err = fn(vf)
	return
}

func newVideoDecoderFrame(f *astiav.Frame) (vf videodecoder.Frame, err error) {
	// Invalid pixel format
	if pf := f.PixelFormat(); pf != astiav.PixelFormatYuv420P {
		err = fmt.Errorf("astiavgraph: invalid pixel format %s", pf)
		return
	}

	// Get planes packed one after the other
	var b []byte
	if b, err = f.Data().Bytes(1); err != nil {
		err = fmt.Errorf("astiavgraph: getting frame bytes failed: %w", err)
		return
	}

	// Check size
	w, h := f.Width(), f.Height()
	cw, ch := (w+1)/2, (h+1)/2
	ls, cs := w*h, cw*ch
	if len(b) < ls+2*cs {
		err = fmt.Errorf("astiavgraph: frame has %d bytes, expected %d", len(b), ls+2*cs)
		return
	}

	// Create frame
	vf = videodecoder.Frame{
		Height:  h,
		Planes:  [3][]byte{b[:ls], b[ls : ls+cs], b[ls+cs : ls+2*cs]},
		PTS:     ptsToReferenceTime(f.Pts()),
		Strides: [3]int{w, cw, cw},
		Width:   w,
	}
	return
}

type decoderReader interface {
	Class() *astiav.Class
	Free()
	Open(c *astiav.Codec, d *astiav.Dictionary) error
	ReceiveFrame(f *astiav.Frame) error
	SendPacket(p *astiav.Packet) error
	SetThreadCount(int)
	SetThreadType(astiav.ThreadType)
}

var newDecoderReader = func(c *astiav.Codec) decoderReader {
	return astiav.AllocCodecContext(c)
}
