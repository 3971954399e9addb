// Package splitter provides a filter demultiplexing MPEG-1 system streams. Each elementary
// stream is pushed downstream by its own goroutine so that a slow peer doesn't starve the
// other one.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

var ClassID = uuid.MustParse("336475d0-942a-11ce-a870-00aa002feab5")

const (
	audioBuffers = 16
	videoBuffers = 1
	videoSize    = 65536
)

const (
	PinNameAudio = "audio"
	PinNameInput = "input"
	PinNameVideo = "video"
)

var (
	_ filtergraph.Filter       = (*Splitter)(nil)
	_ filtergraph.StreamSelect = (*Splitter)(nil)
)

type Splitter struct {
	*filtergraph.BaseFilter
	audio       *worker
	audioHeader mpeg1.AudioHeader
	cs          *cumulativeStats
	haveAudio   bool
	haveVideo   bool
	in          *filtergraph.BasePin
	loaded      bool
	m           sync.Mutex // Locks audioHeader, haveAudio, haveVideo, loaded, state, videoHeader and workers
	parent      *sync.Cond
	state       filtergraph.FilterState
	video       *worker
	videoHeader mpeg1.SequenceHeader
}

type cumulativeStats struct {
	droppedAudio uint64
}

type Options struct {
	Logger   astikit.StdLogger
	Metadata filtergraph.Metadata
}

// worker fields other than a, d, first, framer and out are locked by the splitter's mutex
type worker struct {
	a      *filtergraph.Allocator
	active bool
	c      *sync.Cond
	d      *mpeg1.Demuxer
	exists bool
	first  bool
	framer *mpeg1.AudioFramer
	name   string
	out    *filtergraph.BasePin
	stop   bool
	wanted byte
}

// New creates a splitter whose reference count is 1
func New(o Options) *Splitter {
	// Create splitter
	s := &Splitter{cs: &cumulativeStats{}}
	s.parent = sync.NewCond(&s.m)
	s.BaseFilter = filtergraph.NewBaseFilter(s, filtergraph.FilterOptions{
		ClassID:       ClassID,
		Logger:        o.Logger,
		Metadata:      (&filtergraph.Metadata{Name: "mpeg1_splitter"}).Merge(o.Metadata),
		OnStateChange: s.onStateChange,
	})

	// Add capabilities
	s.AddCapability(filtergraph.CapabilityIDStreamSelect, s)

	// Create pins
	s.in = s.NewPin(filtergraph.PinOptions{
		AcceptMediaType: func(mt filtergraph.MediaType) bool {
			return mt.Matches(filtergraph.MediaTypeStream, filtergraph.MediaSubtypeMPEG1System)
		},
		Direction:     filtergraph.PinDirectionInput,
		Name:          PinNameInput,
		OnConnect:     func(peer filtergraph.Pin, mt filtergraph.MediaType) error { return s.load(peer) },
		OnEndOfStream: s.onInputEndOfStream,
	})
	s.video = &worker{
		first:  true,
		name:   PinNameVideo,
		wanted: mpeg1.StreamIDVideo1,
	}
	s.video.c = sync.NewCond(&s.m)
	s.video.out = s.NewPin(filtergraph.PinOptions{
		Direction: filtergraph.PinDirectionOutput,
		MediaTypes: func() []filtergraph.MediaType {
			if mt, ok := s.videoMediaType(); ok {
				return []filtergraph.MediaType{mt}
			}
			return nil
		},
		Name: PinNameVideo,
	})
	s.audio = &worker{
		first:  true,
		framer: mpeg1.NewAudioFramer(),
		name:   PinNameAudio,
		wanted: mpeg1.StreamIDAudio1,
	}
	s.audio.c = sync.NewCond(&s.m)
	s.audio.out = s.NewPin(filtergraph.PinOptions{
		Direction: filtergraph.PinDirectionOutput,
		MediaTypes: func() []filtergraph.MediaType {
			if mt, ok := s.audioMediaType(); ok {
				return []filtergraph.MediaType{mt}
			}
			return nil
		},
		Name: PinNameAudio,
	})

	// Add stats
	s.AddDeltaStats(astikit.DeltaStat{
		Metadata: astikit.DeltaStatMetadata{
			Description: "Number of corrupt audio packets that have been dropped",
			Label:       "Dropped audio",
			Name:        DeltaStatNameDroppedAudio,
			Unit:        "p",
		},
		Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&s.cs.droppedAudio),
	})

	// Make sure workers are stopped once the splitter is destroyed
	s.Closer().Add(s.close)
	return s
}

const DeltaStatNameDroppedAudio = "splitter.dropped.audio"

func (s *Splitter) Input() *filtergraph.BasePin {
	return s.in
}

func (s *Splitter) Video() *filtergraph.BasePin {
	return s.video.out
}

func (s *Splitter) Audio() *filtergraph.BasePin {
	return s.audio.out
}

func (s *Splitter) onInputEndOfStream() error {
	// Data is only read through the async reader
	return fmt.Errorf("splitter: end of stream on %s: %w", s.in, filtergraph.ErrUnexpected)
}

// load reads the whole stream, discovers its elementary streams and starts the workers
func (s *Splitter) load(peer filtergraph.Pin) (err error) {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// Already loaded
	if s.loaded {
		return fmt.Errorf("splitter: %s is already loaded: %w", s, filtergraph.ErrUnexpected)
	}

	// Get reader
	var r filtergraph.AsyncReader
	if r, err = filtergraph.QueryCapabilityAs[filtergraph.AsyncReader](peer, filtergraph.CapabilityIDAsyncReader); err != nil {
		return fmt.Errorf("splitter: %s has no async reader: %w", peer.QueryID(), filtergraph.ErrNotSupported)
	}

	// Get length
	var available int64
	if _, available, err = r.Length(); err != nil {
		return fmt.Errorf("splitter: getting length failed: %w", err)
	}

	// Read
	b := make([]byte, available)
	if err = r.SyncRead(0, b); err != nil {
		return fmt.Errorf("splitter: reading %d bytes failed: %w", len(b), err)
	}

	// Create demuxers sharing the buffer
	s.video.d = mpeg1.NewDemuxer(b)
	s.audio.d = mpeg1.NewDemuxer(b)

	// Probe
	s.probe(s.video.d)

	// Create allocators
	if s.video.a, err = filtergraph.NewAllocator(filtergraph.AllocatorProperties{
		Buffers: videoBuffers,
		Size:    videoSize,
	}); err != nil {
		return fmt.Errorf("splitter: creating video allocator failed: %w", err)
	}
	if s.audio.a, err = filtergraph.NewAllocator(filtergraph.AllocatorProperties{
		Buffers: audioBuffers,
		Size:    mpeg1.MaxAudioFrameSize,
	}); err != nil {
		return fmt.Errorf("splitter: creating audio allocator failed: %w", err)
	}
	for _, w := range []*worker{s.video, s.audio} {
		for _, ds := range w.a.DeltaStats() {
			ds.Metadata.Label += " (" + w.name + ")"
			s.AddDeltaStats(ds)
		}
	}

	// Log
	s.Logger().InfoC(s.Context(), fmt.Sprintf("splitter: %s loaded %d bytes (video: %t, audio: %t)", s, len(b), s.haveVideo, s.haveAudio))

	// Start workers
	s.loaded = true
	for _, w := range []*worker{s.video, s.audio} {
		w.exists = true
		go s.work(w)
	}
	return nil
}

// probe feeds packets to header probes until every stream listed in the system header has
// been described. The first valid header is authoritative for the whole stream.
func (s *Splitter) probe(d *mpeg1.Demuxer) {
	// Make sure to rewind
	defer d.Rewind()

	// Create probes
	needVideo := d.NumVideoStreams() > 0
	needAudio := d.NumAudioStreams() > 0
	vp := mpeg1.NewVideoProbe()
	ap := mpeg1.NewAudioProbe()

	// Loop through packets
	for needVideo || needAudio {
		// Get next packet
		p, err := d.Next()
		if err != nil {
			break
		}

		// Process packet
		switch p.StreamID {
		case mpeg1.StreamIDVideo1:
			if !needVideo {
				continue
			}
			vp.Write(p.Data) //nolint: errcheck
			if h, ok := vp.Header(); ok {
				s.videoHeader = h
				s.haveVideo = true
				needVideo = false
			}
		case mpeg1.StreamIDAudio1:
			if !needAudio {
				continue
			}
			ap.Write(p.Data) //nolint: errcheck
			if h, ok := ap.Header(); ok {
				s.audioHeader = h
				s.haveAudio = true
				needAudio = false
			}
		}
	}
}

func (s *Splitter) videoMediaType() (filtergraph.MediaType, bool) {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// No video
	if !s.haveVideo {
		return filtergraph.MediaType{}, false
	}

	// Create format
	h := s.videoHeader
	f, err := filtergraph.MPEG1VideoInfo{
		Header:         filtergraph.NewVideoInfoHeader(h.Width, h.Height, 0, 0, filtergraph.ReferenceTimeFromSeconds(1/h.FrameRate())),
		SequenceHeader: h.Raw,
	}.MarshalBinary()
	if err != nil {
		s.Logger().WarnC(s.Context(), fmt.Errorf("splitter: marshaling video format failed: %w", err))
		return filtergraph.MediaType{}, false
	}
	return filtergraph.MediaType{
		Format:              f,
		FormatType:          filtergraph.FormatTypeMPEGVideo,
		Major:               filtergraph.MediaTypeVideo,
		Sub:                 filtergraph.MediaSubtypeMPEG1Packet,
		TemporalCompression: true,
	}, true
}

func (s *Splitter) audioMediaType() (filtergraph.MediaType, bool) {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// No audio
	if !s.haveAudio {
		return filtergraph.MediaType{}, false
	}

	// Create format
	h := s.audioHeader
	f, err := filtergraph.NewMPEG1WaveFormat(h.SampleRate, h.Channels, h.Bitrate*1000).MarshalBinary()
	if err != nil {
		s.Logger().WarnC(s.Context(), fmt.Errorf("splitter: marshaling audio format failed: %w", err))
		return filtergraph.MediaType{}, false
	}
	return filtergraph.MediaType{
		Format:              f,
		FormatType:          filtergraph.FormatTypeWaveFormatEx,
		Major:               filtergraph.MediaTypeAudio,
		Sub:                 filtergraph.MediaSubtypeMPEG1AudioPayload,
		TemporalCompression: true,
	}, true
}

func (s *Splitter) onStateChange(from, to filtergraph.FilterState) error {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// Update state
	s.state = to

	// Workers resume
	if to != filtergraph.FilterStateStopped {
		s.video.c.Broadcast()
		s.audio.c.Broadcast()
		return nil
	}

	// Wait for workers to be idle
	for s.video.active || s.audio.active {
		s.parent.Wait()
	}
	return nil
}

// close is the only way to terminate workers, Stop only parks them
func (s *Splitter) close() {
	// Lock
	s.m.Lock()
	defer s.m.Unlock()

	// Request stop
	for _, w := range []*worker{s.video, s.audio} {
		w.stop = true
		w.c.Broadcast()
		if w.a != nil {
			w.a.Decommit()
		}
	}

	// Wait for workers to exit
	for s.video.exists || s.audio.exists {
		s.parent.Wait()
	}
}

func (s *Splitter) work(w *worker) {
	// Lock
	s.m.Lock()

	// Make sure to notify the parent once the worker exits
	defer func() {
		w.active = false
		w.exists = false
		s.parent.Broadcast()
		s.m.Unlock()
	}()

	for !w.stop {
		// Park while stopped
		for s.state == filtergraph.FilterStateStopped {
			if w.stop {
				return
			}
			if w.active {
				w.active = false
				s.parent.Broadcast()
			}
			w.c.Wait()
		}

		// Mark active so that Stop waits for us
		w.active = true

		// Get next packet
		p, err := w.next()
		if err != nil {
			// Unlock while calling the peer
			s.m.Unlock()
			if err := w.out.DeliverEndOfStream(); err != nil && !errors.Is(err, filtergraph.ErrNotConnected) {
				s.DispatchError(fmt.Errorf("splitter: delivering end of stream on %s failed: %w", w.out, err))
			}
			s.m.Lock()
			return
		}

		// No peer
		if !w.out.IsConnected() {
			continue
		}

		// Unlock while calling the peer
		s.m.Unlock()
		if w.framer != nil {
			s.pushAudio(w, p)
		} else {
			s.pushVideo(w, p)
		}
		s.m.Lock()
	}
}

// next returns the next packet of the worker's stream, or io.EOF
func (w *worker) next() (*mpeg1.Packet, error) {
	for {
		p, err := w.d.Next()
		if err != nil {
			return nil, io.EOF
		}
		if p.StreamID == w.wanted {
			return p, nil
		}
	}
}

func (s *Splitter) pushVideo(w *worker, p *mpeg1.Packet) {
	// Get frame rate
	s.m.Lock()
	fps := s.videoHeader.FrameRate()
	s.m.Unlock()

	// Get times
	var pts, duration *filtergraph.ReferenceTime
	if p.HasPTS {
		pts = filtergraph.ReferenceTimePtr(filtergraph.ReferenceTimeFromSeconds(p.PTS))
		if fps > 0 {
			duration = filtergraph.ReferenceTimePtr(filtergraph.ReferenceTimeFromSeconds(1 / fps))
		}
	}

	// Deliver
	if err := s.deliver(w, p.Data, pts, duration); err != nil {
		s.dispatchDeliverError(err)
	}
}

func (s *Splitter) pushAudio(w *worker, p *mpeg1.Packet) {
	// Get time
	var pts *filtergraph.ReferenceTime
	if p.HasPTS {
		pts = filtergraph.ReferenceTimePtr(filtergraph.ReferenceTimeFromSeconds(p.PTS))
	}

	// Regroup bytes in frames
	dropped, err := w.framer.Write(p.Data, func(frame []byte) error {
		return s.deliver(w, frame, pts, nil)
	})
	if err != nil {
		s.dispatchDeliverError(err)
	}

	// Corrupt audio is not fatal
	if dropped {
		atomic.AddUint64(&s.cs.droppedAudio, 1)
		s.Logger().DebugC(s.Context(), fmt.Sprintf("splitter: %s dropped corrupt audio", s))
	}
}

func (s *Splitter) deliver(w *worker, b []byte, pts, duration *filtergraph.ReferenceTime) (err error) {
	// Get sample
	var smp *filtergraph.Sample
	if smp, err = w.a.Get(context.Background()); err != nil {
		return fmt.Errorf("splitter: getting %s sample failed: %w", w.name, err)
	}
	defer smp.Release()

	// Fill sample
	if err = smp.SetBytes(b); err != nil {
		return fmt.Errorf("splitter: filling %s sample failed: %w", w.name, err)
	}
	smp.SetDiscontinuity(w.first)
	smp.SetPreroll(false)
	smp.SetSyncPoint(false)
	smp.SetTime(pts, duration)
	w.first = false

	// Deliver
	if err = w.out.Deliver(smp); err != nil {
		return fmt.Errorf("splitter: delivering %s sample failed: %w", w.name, err)
	}
	return
}

func (s *Splitter) dispatchDeliverError(err error) {
	// Allocators are only decommitted when closing
	if errors.Is(err, filtergraph.ErrDecommitted) {
		return
	}
	s.DispatchError(err)
}

// Count returns the number of elementary streams found while loading
func (s *Splitter) Count() int {
	s.m.Lock()
	defer s.m.Unlock()
	var n int
	if s.haveVideo {
		n++
	}
	if s.haveAudio {
		n++
	}
	return n
}

// Enable accepts every request for an existing stream, all streams are always enabled
func (s *Splitter) Enable(index int, flags filtergraph.StreamSelectFlags) error {
	if index < 0 || index >= s.Count() {
		return fmt.Errorf("splitter: no stream at index %d: %w", index, filtergraph.ErrUnexpected)
	}
	return nil
}

// Info describes the stream at the provided index. Video comes first.
func (s *Splitter) Info(index int) (i filtergraph.StreamInfo, err error) {
	// Get stream kind
	s.m.Lock()
	isVideo := s.haveVideo && index == 0
	isAudio := s.haveAudio && ((s.haveVideo && index == 1) || (!s.haveVideo && index == 0))
	s.m.Unlock()

	// Create info
	var ok bool
	switch {
	case isVideo:
		i.MediaType, ok = s.videoMediaType()
		i.Name = PinNameVideo
	case isAudio:
		i.Group = 1
		i.MediaType, ok = s.audioMediaType()
		i.Name = PinNameAudio
	}
	if !ok {
		err = fmt.Errorf("splitter: no stream at index %d: %w", index, filtergraph.ErrUnexpected)
		return
	}
	i.Enabled = true
	return
}
