// Package videodecoder provides a filter turning MPEG-1 elementary video into uncompressed
// pictures. Decoding itself is delegated to a FrameDecoder.
package videodecoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

var ClassID = uuid.MustParse("feb50740-7bef-11ce-9bd9-0000e202599c")

const (
	PinNameInput  = "input"
	PinNameOutput = "output"
)

const (
	DeltaStatNameDecodedFrames = "videodecoder.decoded.frames"
	DeltaStatNameDroppedFrames = "videodecoder.dropped.frames"
)

var _ filtergraph.Filter = (*Decoder)(nil)

type Decoder struct {
	*filtergraph.BaseFilter
	a      *filtergraph.Allocator
	avg    filtergraph.ReferenceTime
	cs     *cumulativeStats
	fd     FrameDecoder
	framer *mpeg1.PictureFramer
	height int
	in     *filtergraph.BasePin
	l      layout
	m      sync.Mutex // Locks avg, fd, framer, height, l, next and width
	ma     sync.Mutex // Locks a
	next   *filtergraph.ReferenceTime
	o      Options
	out    *filtergraph.BasePin
	width  int
}

type cumulativeStats struct {
	decodedFrames uint64
	droppedFrames uint64
}

type Options struct {
	Logger          astikit.StdLogger
	Metadata        filtergraph.Metadata
	NewFrameDecoder NewFrameDecoderFunc
}

// New creates a decoder whose reference count is 1
func New(o Options) (*Decoder, error) {
	// Invalid options
	if o.NewFrameDecoder == nil {
		return nil, errors.New("videodecoder: no frame decoder provided")
	}

	// Create decoder
	d := &Decoder{
		cs: &cumulativeStats{},
		o:  o,
	}
	d.BaseFilter = filtergraph.NewBaseFilter(d, filtergraph.FilterOptions{
		ClassID:  ClassID,
		Logger:   o.Logger,
		Metadata: (&filtergraph.Metadata{Name: "mpeg_video_decoder"}).Merge(o.Metadata),
	})

	// Create pins
	d.in = d.NewPin(filtergraph.PinOptions{
		AcceptMediaType: d.acceptInputMediaType,
		Direction:       filtergraph.PinDirectionInput,
		Name:            PinNameInput,
		OnConnect:       d.onInputConnect,
		OnDisconnect:    d.onInputDisconnect,
		OnEndOfStream:   d.onEndOfStream,
		OnReceive:       d.onReceive,
		ReceiveCanBlock: true,
	})
	d.out = d.NewPin(filtergraph.PinOptions{
		Direction:    filtergraph.PinDirectionOutput,
		MediaTypes:   d.outputMediaTypes,
		Name:         PinNameOutput,
		OnConnect:    d.onOutputConnect,
		OnDisconnect: d.onOutputDisconnect,
	})

	// Add stats
	d.AddDeltaStats(
		astikit.DeltaStat{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of frames decoded per second",
				Label:       "Decoded frames",
				Name:        DeltaStatNameDecodedFrames,
				Unit:        "fps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&d.cs.decodedFrames),
		},
		astikit.DeltaStat{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of decoded frames that couldn't be delivered per second",
				Label:       "Dropped frames",
				Name:        DeltaStatNameDroppedFrames,
				Unit:        "fps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&d.cs.droppedFrames),
		},
	)

	// Make sure to release resources once destroyed
	d.Closer().Add(d.close)
	return d, nil
}

func (d *Decoder) Input() *filtergraph.BasePin {
	return d.in
}

func (d *Decoder) Output() *filtergraph.BasePin {
	return d.out
}

func parseInputFormat(mt filtergraph.MediaType) (i filtergraph.MPEG1VideoInfo, ok bool) {
	if !mt.Matches(filtergraph.MediaTypeVideo, filtergraph.MediaSubtypeMPEG1Packet) || mt.FormatType != filtergraph.FormatTypeMPEGVideo {
		return
	}
	if err := i.UnmarshalBinary(mt.Format); err != nil {
		return
	}
	return i, i.Header.Bitmap.Width > 0 && i.Header.Bitmap.Height > 0
}

func (d *Decoder) acceptInputMediaType(mt filtergraph.MediaType) bool {
	_, ok := parseInputFormat(mt)
	return ok
}

func (d *Decoder) onInputConnect(peer filtergraph.Pin, mt filtergraph.MediaType) error {
	// Parse format
	i, ok := parseInputFormat(mt)
	if !ok {
		return fmt.Errorf("videodecoder: invalid input format: %w", filtergraph.ErrTypeNotAccepted)
	}
	w, h := int(i.Header.Bitmap.Width), int(i.Header.Bitmap.Height)

	// The output allocator and layout are sized for the current dimensions
	if d.out.IsConnected() {
		d.m.Lock()
		cw, ch := d.width, d.height
		d.m.Unlock()
		if w != cw || h != ch {
			return fmt.Errorf("videodecoder: %dx%d doesn't match connected output %dx%d: %w", w, h, cw, ch, filtergraph.ErrTypeNotAccepted)
		}
	}

	// Create frame decoder
	fd, err := d.o.NewFrameDecoder(FrameDecoderOptions{
		Context:        d.Context(),
		Height:         h,
		SequenceHeader: i.SequenceHeader,
		Width:          w,
	})
	if err != nil {
		return fmt.Errorf("videodecoder: creating frame decoder failed: %w", err)
	}

	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Update
	if d.fd != nil {
		d.fd.Close()
	}
	d.avg = i.Header.AvgTimePerFrame
	d.fd = fd
	d.framer = mpeg1.NewPictureFramer()
	d.height = h
	d.next = nil
	d.width = w
	return nil
}

func (d *Decoder) onInputDisconnect() {
	d.m.Lock()
	defer d.m.Unlock()
	if d.fd != nil {
		d.fd.Close()
		d.fd = nil
	}
	d.framer = nil
}

func (d *Decoder) outputMediaTypes() (mts []filtergraph.MediaType) {
	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Input is not connected
	if d.fd == nil {
		return
	}

	// Loop through layouts
	for _, l := range layouts {
		f, err := filtergraph.NewVideoInfoHeader(d.width, d.height, l.bitCount, l.compression, d.avg).MarshalBinary()
		if err != nil {
			d.Logger().WarnC(d.Context(), fmt.Errorf("videodecoder: marshaling output format failed: %w", err))
			continue
		}
		mts = append(mts, filtergraph.MediaType{
			FixedSizeSamples: true,
			Format:           f,
			FormatType:       filtergraph.FormatTypeVideoInfo,
			Major:            filtergraph.MediaTypeVideo,
			SampleSize:       uint32(l.size(d.width, d.height)),
			Sub:              l.sub,
		})
	}
	return
}

func (d *Decoder) onOutputConnect(peer filtergraph.Pin, mt filtergraph.MediaType) error {
	// Get layout
	l, ok := layoutFromSubtype(mt.Sub)
	if !ok {
		return fmt.Errorf("videodecoder: no layout for %s: %w", mt, filtergraph.ErrTypeNotAccepted)
	}

	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Create allocator
	a, err := filtergraph.NewAllocator(filtergraph.AllocatorProperties{
		Buffers: 1,
		Size:    l.size(d.width, d.height),
	})
	if err != nil {
		return fmt.Errorf("videodecoder: creating allocator failed: %w", err)
	}

	// Update
	d.l = l
	d.setAllocator(a)

	// Log
	d.Logger().InfoC(d.Context(), fmt.Sprintf("videodecoder: outputting %dx%d %s", d.width, d.height, mt))
	return nil
}

func (d *Decoder) onOutputDisconnect() {
	d.setAllocator(nil)
}

// setAllocator decommits the previous allocator so that a blocked Get returns
func (d *Decoder) setAllocator(a *filtergraph.Allocator) {
	d.ma.Lock()
	defer d.ma.Unlock()
	if d.a != nil {
		d.a.Decommit()
	}
	d.a = a
}

func (d *Decoder) allocator() *filtergraph.Allocator {
	d.ma.Lock()
	defer d.ma.Unlock()
	return d.a
}

func (d *Decoder) onReceive(s *filtergraph.Sample) error {
	// Invalid state
	if st := d.State(); st == filtergraph.FilterStateStopped {
		return fmt.Errorf("videodecoder: %s is %s: %w", d, st, filtergraph.ErrWrongState)
	}

	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Input is not connected
	if d.fd == nil {
		return fmt.Errorf("videodecoder: %s: %w", d.in, filtergraph.ErrNotConnected)
	}

	// Get timestamp
	var pts float64
	p, _ := s.Time()
	if p != nil {
		pts = p.Seconds()
	}

	// Loop through complete pictures
	for _, pic := range d.framer.Write(s.Bytes(), pts, p != nil) {
		if err := d.decode(pic); err != nil {
			return err
		}
	}
	return nil
}

// decode assumes the mutex is held
func (d *Decoder) decode(pic mpeg1.Picture) error {
	var pts *filtergraph.ReferenceTime
	if pic.HasPTS {
		pts = filtergraph.ReferenceTimePtr(filtergraph.ReferenceTimeFromSeconds(pic.PTS))
	}
	if err := d.fd.Decode(pic.Data, pts, d.emit); err != nil {
		return fmt.Errorf("videodecoder: decoding picture failed: %w", err)
	}
	return nil
}

func (d *Decoder) onEndOfStream() error {
	// Flush
	if err := d.flush(); err != nil {
		d.DispatchError(err)
	}

	// Forward
	if err := d.out.DeliverEndOfStream(); err != nil && !errors.Is(err, filtergraph.ErrNotConnected) {
		return fmt.Errorf("videodecoder: delivering end of stream failed: %w", err)
	}
	return nil
}

func (d *Decoder) flush() error {
	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Input is not connected
	if d.fd == nil {
		return nil
	}

	// Flush framer
	if pic, ok := d.framer.Flush(); ok {
		if err := d.decode(pic); err != nil {
			return err
		}
	}

	// Flush frame decoder
	if err := d.fd.Flush(d.emit); err != nil {
		return fmt.Errorf("videodecoder: flushing frame decoder failed: %w", err)
	}
	return nil
}

// emit assumes the mutex is held
func (d *Decoder) emit(f Frame) error {
	// Update stats
	atomic.AddUint64(&d.cs.decodedFrames, 1)

	// Output is not connected
	a := d.allocator()
	if a == nil {
		atomic.AddUint64(&d.cs.droppedFrames, 1)
		return nil
	}

	// Invalid frame
	if err := f.validate(d.width, d.height); err != nil {
		atomic.AddUint64(&d.cs.droppedFrames, 1)
		d.DispatchError(err)
		return nil
	}

	// Get sample
	s, err := a.Get(d.Context())
	if err != nil {
		atomic.AddUint64(&d.cs.droppedFrames, 1)
		if errors.Is(err, filtergraph.ErrDecommitted) {
			return nil
		}
		return fmt.Errorf("videodecoder: getting sample failed: %w", err)
	}
	defer s.Release()

	// Convert
	size := d.l.size(d.width, d.height)
	if err = s.SetLength(size); err != nil {
		return fmt.Errorf("videodecoder: setting sample length failed: %w", err)
	}
	d.l.write(s.Bytes(), f)

	// Get time
	pts := f.PTS
	if pts == nil {
		pts = d.next
	}
	var duration *filtergraph.ReferenceTime
	if d.avg > 0 {
		duration = filtergraph.ReferenceTimePtr(d.avg)
	}
	if pts != nil {
		next := *pts + d.avg
		d.next = &next
	}

	// Update sample
	s.SetDiscontinuity(false)
	s.SetPreroll(false)
	s.SetSyncPoint(true)
	s.SetTime(pts, duration)

	// Deliver
	if err = d.out.Deliver(s); err != nil {
		atomic.AddUint64(&d.cs.droppedFrames, 1)
		if errors.Is(err, filtergraph.ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("videodecoder: delivering sample failed: %w", err)
	}
	return nil
}

func (d *Decoder) close() {
	// Unblock emit first since it holds the mutex
	d.setAllocator(nil)

	// Lock
	d.m.Lock()
	defer d.m.Unlock()

	// Close frame decoder
	if d.fd != nil {
		d.fd.Close()
		d.fd = nil
	}
}
