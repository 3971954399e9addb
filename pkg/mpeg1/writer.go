package mpeg1

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// MaxPacketDataSize is the size of the largest payload the writer puts in one packet
const MaxPacketDataSize = 2028

// Writer writes MPEG-1 system streams
type Writer struct {
	o WriterOptions
	w io.Writer
}

type WriterOptions struct {
	// In units of 50 bytes/s
	MuxRate int
}

func NewWriter(w io.Writer, o WriterOptions) *Writer {
	if o.MuxRate <= 0 {
		o.MuxRate = 0x3fff
	}
	return &Writer{
		o: o,
		w: w,
	}
}

func (w *Writer) write(b []byte, err error) error {
	if err != nil {
		return err
	}
	if _, err = w.w.Write(b); err != nil {
		return fmt.Errorf("mpeg1: writing failed: %w", err)
	}
	return nil
}

// WritePackHeader writes a pack header whose system clock reference is expressed in seconds
func (w *Writer) WritePackHeader(scr float64) error {
	bw := newBitWriter()
	bw.writeBytes([]byte{0, 0, 1, StartCodePack})
	bw.writeN(0x2, 4)
	writeTimestampBits(bw, secondsToClock(scr))
	bw.writeN(1, 1)
	bw.writeN(uint64(w.o.MuxRate), 22)
	bw.writeN(1, 1)
	return w.write(bw.bytes())
}

type SystemHeader struct {
	AudioStreams int
	VideoStreams int
}

func (w *Writer) WriteSystemHeader(h SystemHeader) error {
	// Create stream entries
	var es [][3]byte
	for i := 0; i < h.VideoStreams; i++ {
		// 46 units of 1024 bytes
		es = append(es, [3]byte{StreamIDVideo1 + byte(i), 0xe0, 46})
	}
	for i := 0; i < h.AudioStreams; i++ {
		// 32 units of 128 bytes
		es = append(es, [3]byte{StreamIDAudio1 + byte(i), 0xc0, 32})
	}

	// Write header
	bw := newBitWriter()
	bw.writeBytes([]byte{0, 0, 1, StartCodeSystemHeader})
	bw.writeN(uint64(6+3*len(es)), 16)
	bw.writeN(1, 1)
	bw.writeN(uint64(w.o.MuxRate), 22)
	bw.writeN(1, 1)
	bw.writeN(uint64(h.AudioStreams), 6)
	// Fixed and constrained flags
	bw.writeN(0, 2)
	// Audio and video locks, marker
	bw.writeN(0x7, 3)
	bw.writeN(uint64(h.VideoStreams), 5)
	bw.writeN(0xff, 8)
	for _, e := range es {
		bw.writeBytes(e[:])
	}
	return w.write(bw.bytes())
}

// WritePacket writes one PES packet. Data must fit in a single packet.
func (w *Writer) WritePacket(p Packet) error {
	// Data is too big
	if len(p.Data) > math.MaxUint16-5 {
		return fmt.Errorf("mpeg1: %d bytes don't fit in a packet", len(p.Data))
	}

	// Write header
	bw := newBitWriter()
	bw.writeBytes([]byte{0, 0, 1, p.StreamID})
	if p.HasPTS {
		bw.writeN(uint64(len(p.Data)+5), 16)
		bw.writeN(0x2, 4)
		writeTimestampBits(bw, secondsToClock(p.PTS))
	} else {
		bw.writeN(uint64(len(p.Data)+1), 16)
		bw.writeN(0x0f, 8)
	}
	if err := w.write(bw.bytes()); err != nil {
		return err
	}

	// Write data
	return w.write(p.Data, nil)
}

func (w *Writer) WriteEnd() error {
	return w.write([]byte{0, 0, 1, StartCodeEnd}, nil)
}

func secondsToClock(t float64) uint64 {
	return uint64(math.Round(t*ClockRate)) & (1<<33 - 1)
}

// writeTimestampBits writes 36 bits: a 33 bits timestamp split by markers
func writeTimestampBits(bw *bitWriter, ts uint64) {
	bw.writeN(ts>>30&0x7, 3)
	bw.writeN(1, 1)
	bw.writeN(ts>>15&0x7fff, 15)
	bw.writeN(1, 1)
	bw.writeN(ts&0x7fff, 15)
	bw.writeN(1, 1)
}

type GenerateOptions struct {
	// Audio is disabled when 0
	AudioFrames int
	AudioHeader AudioHeader
	// Maximum payload size of a packet, MaxPacketDataSize is used when 0
	PacketSize int
	// Video is disabled when 0
	VideoFrames    int
	SequenceHeader SequenceHeader
}

// SamplesPerAudioFrame is the number of samples per channel in a layer II frame
const SamplesPerAudioFrame = 1152

type generatedUnit struct {
	data     []byte
	pts      float64
	streamID byte
}

// Generate writes a system stream made of mid-gray intra pictures and silent audio frames.
// Both are valid streams that a decoder can process.
func Generate(w io.Writer, o GenerateOptions) (err error) {
	// Create units
	var us []generatedUnit
	if o.VideoFrames > 0 {
		// Get frame rate
		fps := o.SequenceHeader.FrameRate()
		if fps == 0 {
			return errors.New("mpeg1: invalid frame rate")
		}

		// Get headers
		var sh []byte
		if sh, err = o.SequenceHeader.MarshalBinary(); err != nil {
			return fmt.Errorf("mpeg1: marshaling sequence header failed: %w", err)
		}
		var gop []byte
		if gop, err = GOPHeader(0, true); err != nil {
			return fmt.Errorf("mpeg1: creating gop header failed: %w", err)
		}

		// Loop through frames
		for i := 0; i < o.VideoFrames; i++ {
			// Create picture
			var p []byte
			if p, err = GrayIntraPicture(o.SequenceHeader.Width, o.SequenceHeader.Height, i); err != nil {
				return fmt.Errorf("mpeg1: creating picture #%d failed: %w", i, err)
			}

			// First picture is preceded by headers
			if i == 0 {
				p = append(append(append([]byte{}, sh...), gop...), p...)
			}

			// Append unit
			us = append(us, generatedUnit{
				data:     p,
				pts:      float64(i) / fps,
				streamID: StreamIDVideo1,
			})
		}
	}
	if o.AudioFrames > 0 {
		// Create frame
		var h []byte
		if h, err = o.AudioHeader.MarshalBinary(); err != nil {
			return fmt.Errorf("mpeg1: marshaling audio header failed: %w", err)
		}
		f := make([]byte, o.AudioHeader.FrameLength())
		copy(f, h)

		// Loop through frames
		for i := 0; i < o.AudioFrames; i++ {
			us = append(us, generatedUnit{
				data:     f,
				pts:      float64(i*SamplesPerAudioFrame) / float64(o.AudioHeader.SampleRate),
				streamID: StreamIDAudio1,
			})
		}
	}

	// Get packet size
	ps := o.PacketSize
	if ps <= 0 {
		ps = MaxPacketDataSize
	} else if ps > math.MaxUint16-5 {
		return fmt.Errorf("mpeg1: packet size %d is too big", ps)
	}

	// Interleave
	sort.SliceStable(us, func(i, j int) bool { return us[i].pts < us[j].pts })

	// Write headers
	mw := NewWriter(w, WriterOptions{})
	if err = mw.WritePackHeader(0); err != nil {
		return fmt.Errorf("mpeg1: writing pack header failed: %w", err)
	}
	sh := SystemHeader{}
	if o.AudioFrames > 0 {
		sh.AudioStreams = 1
	}
	if o.VideoFrames > 0 {
		sh.VideoStreams = 1
	}
	if err = mw.WriteSystemHeader(sh); err != nil {
		return fmt.Errorf("mpeg1: writing system header failed: %w", err)
	}

	// Loop through units
	for _, u := range us {
		// Write pack header
		if err = mw.WritePackHeader(u.pts); err != nil {
			return fmt.Errorf("mpeg1: writing pack header failed: %w", err)
		}

		// Split unit in packets
		for off := 0; off < len(u.data); off += ps {
			end := off + ps
			if end > len(u.data) {
				end = len(u.data)
			}
			if err = mw.WritePacket(Packet{
				Data:     u.data[off:end],
				HasPTS:   off == 0,
				PTS:      u.pts,
				StreamID: u.streamID,
			}); err != nil {
				return fmt.Errorf("mpeg1: writing packet failed: %w", err)
			}
		}
	}

	// Write end code
	if err = mw.WriteEnd(); err != nil {
		return fmt.Errorf("mpeg1: writing end code failed: %w", err)
	}
	return
}

// GOPHeader returns a group of pictures header starting at the provided picture count
func GOPHeader(pictures int, closed bool) ([]byte, error) {
	bw := newBitWriter()
	bw.writeBytes([]byte{0, 0, 1, StartCodeGOP})
	// Drop frame flag, hours, minutes
	bw.writeN(0, 1+5+6)
	bw.writeN(1, 1)
	// Seconds, pictures
	bw.writeN(0, 6)
	bw.writeN(uint64(pictures&0x3f), 6)
	if closed {
		bw.writeN(1, 1)
	} else {
		bw.writeN(0, 1)
	}
	// Broken link
	bw.writeN(0, 1)
	return bw.bytes()
}

// GrayIntraPicture returns an intra coded picture whose pixels are all mid-gray: every
// block only has a null DC difference
func GrayIntraPicture(width, height, temporalReference int) ([]byte, error) {
	// Invalid size
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mpeg1: invalid size %dx%d", width, height)
	}
	mbWidth, mbHeight := (width+15)/16, (height+15)/16
	if mbHeight > int(StartCodeSliceLast) {
		return nil, fmt.Errorf("mpeg1: height %d is too big", height)
	}

	// Picture header
	bw := newBitWriter()
	bw.writeBytes([]byte{0, 0, 1, StartCodePicture})
	bw.writeN(uint64(temporalReference&0x3ff), 10)
	// Intra coded
	bw.writeN(0x1, 3)
	// VBV delay
	bw.writeN(0xffff, 16)
	// Extra bit picture
	bw.writeN(0, 1)
	bw.align()

	// One slice per row of macroblocks
	for y := 0; y < mbHeight; y++ {
		// Slice header
		bw.writeBytes([]byte{0, 0, 1, byte(y + 1)})
		// Quantizer scale
		bw.writeN(8, 5)
		// Extra bit slice
		bw.writeN(0, 1)

		// Loop through macroblocks
		for x := 0; x < mbWidth; x++ {
			// Address increment of 1 and intra type without quantizer
			bw.writeN(0x3, 2)

			// Luma blocks: DC size 0 then end of block
			for i := 0; i < 4; i++ {
				bw.writeN(0x4, 3)
				bw.writeN(0x2, 2)
			}

			// Chroma blocks: DC size 0 then end of block
			for i := 0; i < 2; i++ {
				bw.writeN(0x0, 2)
				bw.writeN(0x2, 2)
			}
		}
		bw.align()
	}
	return bw.bytes()
}
