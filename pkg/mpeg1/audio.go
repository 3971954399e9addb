package mpeg1

import "fmt"

// MaxAudioFrameSize is the size of the largest layer II frame splitters have to regroup
const MaxAudioFrameSize = 1728

// AudioHeaderMinSize is the number of bytes needed before a header can be validated
const AudioHeaderMinSize = 6

var (
	audioBitrates    = [16]int{-1, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, -1}
	audioSampleRates = [4]int{44100, 48000, 32000, -1}
)

type AudioHeaderStatus int

const (
	AudioHeaderValid AudioHeaderStatus = iota
	AudioHeaderIncomplete
	AudioHeaderInvalid
)

func (s AudioHeaderStatus) String() string {
	switch s {
	case AudioHeaderValid:
		return "valid"
	case AudioHeaderIncomplete:
		return "incomplete"
	default:
		return "invalid"
	}
}

// AudioHeader is an MPEG-1 audio layer II frame header
type AudioHeader struct {
	// In kbps
	Bitrate    int
	Channels   int
	Padding    bool
	Protected  bool
	SampleRate int
}

// ParseAudioHeader checks whether b starts with a layer II frame header
func ParseAudioHeader(b []byte) (h AudioHeader, s AudioHeaderStatus) {
	// Not enough data
	if len(b) < AudioHeaderMinSize {
		return h, AudioHeaderIncomplete
	}

	// Sync word, version 1 and layer II
	if b[0] != 0xff || b[1]&0xfe != 0xfc {
		return h, AudioHeaderInvalid
	}

	// Lookup tables
	h.Bitrate = audioBitrates[b[2]>>4]
	h.SampleRate = audioSampleRates[(b[2]>>2)&0x3]
	if h.Bitrate < 0 || h.SampleRate < 0 {
		return AudioHeader{}, AudioHeaderInvalid
	}

	// Flags
	h.Padding = b[2]&0x02 > 0
	h.Protected = b[1]&0x01 == 0
	h.Channels = 2
	if b[3]>>6 == 0x3 {
		h.Channels = 1
	}
	return h, AudioHeaderValid
}

// FrameLength returns the size of the frame in bytes, header included
func (h AudioHeader) FrameLength() int {
	l := 144000 * h.Bitrate / h.SampleRate
	if h.Padding {
		l++
	}
	return l
}

// MarshalBinary returns the 4 bytes header without checksum
func (h AudioHeader) MarshalBinary() ([]byte, error) {
	// Get bitrate index
	bi := -1
	for i, v := range audioBitrates {
		if v > 0 && v == h.Bitrate {
			bi = i
			break
		}
	}
	if bi < 0 {
		return nil, fmt.Errorf("mpeg1: invalid bitrate %d: %w", h.Bitrate, ErrInvalidAudioHeader)
	}

	// Get sample rate index
	si := -1
	for i, v := range audioSampleRates {
		if v > 0 && v == h.SampleRate {
			si = i
			break
		}
	}
	if si < 0 {
		return nil, fmt.Errorf("mpeg1: invalid sample rate %d: %w", h.SampleRate, ErrInvalidAudioHeader)
	}

	// Build header
	b := []byte{0xff, 0xfd, byte(bi<<4 | si<<2), 0}
	if h.Protected {
		b[1] = 0xfc
	}
	if h.Padding {
		b[2] |= 0x02
	}
	if h.Channels == 1 {
		b[3] = 0x3 << 6
	}
	return b, nil
}

// AudioProbe looks for the first valid audio header in bytes written to it. Its memory is
// bounded: bytes that can't be part of a header are discarded.
type AudioProbe struct {
	b     []byte
	found bool
	h     AudioHeader
}

func NewAudioProbe() *AudioProbe {
	return &AudioProbe{}
}

func (p *AudioProbe) Write(b []byte) (int, error) {
	// Header has already been found
	if p.found {
		return len(b), nil
	}

	// Append
	p.b = append(p.b, b...)

	// Loop through candidates
	for o := 0; o < len(p.b); o++ {
		// Not a sync byte
		if p.b[o] != 0xff {
			continue
		}

		// Parse
		h, s := ParseAudioHeader(p.b[o:])
		switch s {
		case AudioHeaderValid:
			p.found = true
			p.h = h
			p.b = nil
			return len(b), nil
		case AudioHeaderIncomplete:
			p.b = append(p.b[:0], p.b[o:]...)
			return len(b), nil
		}
	}

	// No candidate
	p.b = p.b[:0]
	return len(b), nil
}

// Header returns the first valid header found
func (p *AudioProbe) Header() (AudioHeader, bool) {
	return p.h, p.found
}

// AudioFramer regroups bytes into whole layer II frames using a scratch buffer whose size
// is the maximum frame size
type AudioFramer struct {
	n       int
	scratch [MaxAudioFrameSize]byte
}

func NewAudioFramer() *AudioFramer {
	return &AudioFramer{}
}

// Write appends b to the scratch buffer and calls fn for every complete frame. When a
// header is corrupt, the scratch buffer and the rest of b are dropped and dropped is true.
// A frame refused by fn is consumed anyway, and the first error fn returned is returned
// once b has been processed.
func (f *AudioFramer) Write(b []byte, fn func(frame []byte) error) (dropped bool, err error) {
	for len(b) > 0 || f.n > 0 {
		// Claim as many bytes as possible
		c := copy(f.scratch[f.n:], b)
		f.n += c
		b = b[c:]

		// Parse header
		h, s := ParseAudioHeader(f.scratch[:f.n])
		switch s {
		case AudioHeaderIncomplete:
			if len(b) == 0 {
				return
			}
			continue
		case AudioHeaderInvalid:
			f.n = 0
			return true, err
		}

		// Frame can't fit in the scratch buffer
		l := h.FrameLength()
		if l > len(f.scratch) {
			f.n = 0
			return true, err
		}

		// Frame is not complete
		if l > f.n {
			if len(b) == 0 {
				return
			}
			continue
		}

		// Callback
		if cerr := fn(f.scratch[:l]); cerr != nil && err == nil {
			err = fmt.Errorf("mpeg1: callback failed: %w", cerr)
		}

		// Remove frame whatever the callback returned
		f.n = copy(f.scratch[:], f.scratch[l:f.n])
	}
	return
}

// Reset discards buffered bytes
func (f *AudioFramer) Reset() {
	f.n = 0
}

// Buffered returns the number of bytes waiting for the end of their frame
func (f *AudioFramer) Buffered() int {
	return f.n
}
