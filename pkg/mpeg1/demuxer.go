package mpeg1

import (
	"fmt"
	"io"

	"github.com/asticode/go-astikit"
)

// Packet is a PES packet whose data points into the demuxed buffer
type Packet struct {
	Data []byte
	// Only valid when HasPTS is true. Expressed in seconds.
	PTS      float64
	HasPTS   bool
	StreamID byte
}

func (p Packet) IsAudio() bool {
	return isAudioStreamID(p.StreamID)
}

func (p Packet) IsVideo() bool {
	return isVideoStreamID(p.StreamID)
}

// Demuxer is a cursor over a whole MPEG-1 system stream held in memory. The buffer is
// never written to, which allows several demuxers to share it.
type Demuxer struct {
	audioStreams int
	b            []byte
	i            *astikit.BytesIterator
	videoStreams int
}

func NewDemuxer(b []byte) *Demuxer {
	d := &Demuxer{
		b: b,
		i: astikit.NewBytesIterator(b),
	}
	d.probeHeaders()
	return d
}

// probeHeaders reads stream counts from the system header following the first pack header
func (d *Demuxer) probeHeaders() {
	// Make sure to rewind
	defer d.Rewind()

	// Find pack header
	o := findStartCode(d.b, 0)
	if o < 0 || o+4 > len(d.b) || d.b[o+3] != StartCodePack {
		return
	}

	// Find system header
	o = findStartCode(d.b, o+4)
	if o < 0 || o+12 > len(d.b) || d.b[o+3] != StartCodeSystemHeader {
		return
	}

	// Header length, rate bound, audio bound and flags, video bound and flags
	d.audioStreams = int(d.b[o+9] >> 2)
	d.videoStreams = int(d.b[o+10] & 0x1f)
}

// NumAudioStreams returns the audio bound of the system header, 0 when there's none
func (d *Demuxer) NumAudioStreams() int {
	return d.audioStreams
}

// NumVideoStreams returns the video bound of the system header, 0 when there's none
func (d *Demuxer) NumVideoStreams() int {
	return d.videoStreams
}

func (d *Demuxer) Rewind() {
	d.i.Seek(0)
}

// Offset returns the position of the cursor in the buffer
func (d *Demuxer) Offset() int {
	return d.i.Offset()
}

// Next returns the next PES packet carrying audio, video or private data. It returns io.EOF
// once the end code or the end of the buffer is reached, truncated packets included.
func (d *Demuxer) Next() (*Packet, error) {
	for {
		// Find start code
		o := findStartCode(d.b, d.i.Offset())
		if o < 0 || o+4 > len(d.b) {
			d.i.Seek(len(d.b))
			return nil, io.EOF
		}
		d.i.Seek(o + 3)

		// Get code
		code, err := d.i.NextByte()
		if err != nil {
			return nil, io.EOF
		}

		// Process code
		switch {
		case code == StartCodeEnd:
			d.i.Seek(len(d.b))
			return nil, io.EOF
		case code == StartCodePack:
			if err = d.skipPackHeader(); err != nil {
				return nil, io.EOF
			}
		case code >= StartCodeSystemHeader:
			// Get length
			var l int
			if l, err = d.nextUint16(); err != nil {
				return nil, io.EOF
			}

			// Not a stream we deliver
			if code == StartCodeSystemHeader || (code != StreamIDPrivate1 && !isAudioStreamID(code) && !isVideoStreamID(code)) {
				if d.i.Offset()+l > len(d.b) {
					return nil, io.EOF
				}
				d.i.Skip(l)
				continue
			}

			// Get payload
			var b []byte
			if b, err = d.i.NextBytesNoCopy(l); err != nil {
				return nil, io.EOF
			}

			// Parse packet
			p, err := parsePacket(code, b)
			if err != nil {
				// Invalid packets are skipped
				continue
			}
			return p, nil
		}
	}
}

func (d *Demuxer) nextUint16() (int, error) {
	b, err := d.i.NextBytesNoCopy(2)
	if err != nil {
		return 0, err
	}
	return int(b[0])<<8 | int(b[1]), nil
}

func (d *Demuxer) skipPackHeader() error {
	b, err := d.i.NextBytesNoCopy(1)
	if err != nil {
		return err
	}

	// MPEG-2 pack headers are longer and end with stuffing
	if b[0]>>6 == 0x1 {
		d.i.Skip(8)
		var s []byte
		if s, err = d.i.NextBytesNoCopy(1); err != nil {
			return err
		}
		d.i.Skip(int(s[0] & 0x7))
		return nil
	}
	d.i.Skip(7)
	return nil
}

func parsePacket(streamID byte, b []byte) (*Packet, error) {
	// Create packet
	p := &Packet{StreamID: streamID}

	// Skip stuffing
	o := 0
	for o < len(b) && b[o] == 0xff {
		o++
	}
	if o >= len(b) {
		return nil, fmt.Errorf("mpeg1: packet 0x%x only contains stuffing", streamID)
	}

	// Skip STD buffer size
	if b[o]>>6 == 0x1 {
		o += 2
		if o >= len(b) {
			return nil, fmt.Errorf("mpeg1: packet 0x%x is truncated", streamID)
		}
	}

	// Parse timestamps
	switch b[o] >> 4 {
	case 0x2:
		if o+5 > len(b) {
			return nil, fmt.Errorf("mpeg1: pts of packet 0x%x is truncated", streamID)
		}
		p.PTS = float64(parseTimestamp(b[o:])) / ClockRate
		p.HasPTS = true
		o += 5
	case 0x3:
		if o+10 > len(b) {
			return nil, fmt.Errorf("mpeg1: pts and dts of packet 0x%x are truncated", streamID)
		}
		p.PTS = float64(parseTimestamp(b[o:])) / ClockRate
		p.HasPTS = true
		o += 10
	default:
		if b[o] != 0x0f {
			return nil, fmt.Errorf("mpeg1: invalid timestamp flags 0x%x in packet 0x%x", b[o], streamID)
		}
		o++
	}

	// Set data
	p.Data = b[o:]
	return p, nil
}

// parseTimestamp parses a 33 bits timestamp split by markers over 5 bytes
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
