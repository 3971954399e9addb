package mpeg1

import "fmt"

var frameRates = [16]float64{0, 24000.0 / 1001, 24, 25, 30000.0 / 1001, 30, 50, 60000.0 / 1001, 60}

// SequenceHeader is a video sequence header
type SequenceHeader struct {
	AspectRatioCode byte
	// In units of 400 bits/s
	BitRate       int
	FrameRateCode byte
	Height        int
	// Raw header including the start code and quantizer matrices
	Raw           []byte
	VBVBufferSize int
	Width         int
}

// FrameRate returns 0 when the code is unknown
func (h SequenceHeader) FrameRate() float64 {
	return frameRates[h.FrameRateCode&0xf]
}

// sequenceHeaderLength returns the size of the header starting at b, or 0 when more bytes
// are needed
func sequenceHeaderLength(b []byte) int {
	if len(b) < 12 {
		return 0
	}
	l := 12
	nonIntra := b[11]&0x01 > 0
	if b[11]&0x02 > 0 {
		l += 64
		if len(b) < l {
			return 0
		}
		nonIntra = b[l-1]&0x01 > 0
	}
	if nonIntra {
		l += 64
	}
	if len(b) < l {
		return 0
	}
	return l
}

// ParseSequenceHeader parses a sequence header starting with its start code
func ParseSequenceHeader(b []byte) (h SequenceHeader, err error) {
	// Check start code
	if len(b) < 4 || b[0] != 0 || b[1] != 0 || b[2] != 1 || b[3] != StartCodeSequenceHeader {
		err = fmt.Errorf("mpeg1: no sequence header start code: %w", ErrInvalidSequenceHeader)
		return
	}

	// Get length
	l := sequenceHeaderLength(b)
	if l == 0 {
		err = fmt.Errorf("mpeg1: sequence header is truncated: %w", ErrInvalidSequenceHeader)
		return
	}

	// Parse
	h = SequenceHeader{
		AspectRatioCode: b[7] >> 4,
		BitRate:         int(b[8])<<10 | int(b[9])<<2 | int(b[10])>>6,
		FrameRateCode:   b[7] & 0x0f,
		Height:          int(b[5]&0x0f)<<8 | int(b[6]),
		Raw:             append([]byte(nil), b[:l]...),
		VBVBufferSize:   int(b[10]&0x1f)<<5 | int(b[11])>>3,
		Width:           int(b[4])<<4 | int(b[5])>>4,
	}

	// Validate
	if h.Width == 0 || h.Height == 0 {
		err = fmt.Errorf("mpeg1: invalid size %dx%d: %w", h.Width, h.Height, ErrInvalidSequenceHeader)
		return
	}
	if h.FrameRate() == 0 {
		err = fmt.Errorf("mpeg1: invalid frame rate code %d: %w", h.FrameRateCode, ErrInvalidSequenceHeader)
		return
	}
	return
}

// MarshalBinary returns a header without quantizer matrices
func (h SequenceHeader) MarshalBinary() ([]byte, error) {
	w := newBitWriter()
	w.writeBytes([]byte{0, 0, 1, StartCodeSequenceHeader})
	w.writeN(uint64(h.Width), 12)
	w.writeN(uint64(h.Height), 12)
	w.writeN(uint64(h.AspectRatioCode), 4)
	w.writeN(uint64(h.FrameRateCode), 4)
	w.writeN(uint64(h.BitRate), 18)
	w.writeN(1, 1)
	w.writeN(uint64(h.VBVBufferSize), 10)
	// Constrained parameters and matrices flags
	w.writeN(0, 3)
	return w.bytes()
}

// VideoProbe looks for the first valid sequence header in bytes written to it
type VideoProbe struct {
	b     []byte
	found bool
	h     SequenceHeader
}

func NewVideoProbe() *VideoProbe {
	return &VideoProbe{}
}

func (p *VideoProbe) Write(b []byte) (int, error) {
	// Header has already been found
	if p.found {
		return len(b), nil
	}

	// Append
	p.b = append(p.b, b...)

	// Loop through start codes
	o := 0
	for {
		// Find start code
		if o = findStartCode(p.b, o); o < 0 || o+4 > len(p.b) {
			break
		}

		// Not a sequence header
		if p.b[o+3] != StartCodeSequenceHeader {
			o += 3
			continue
		}

		// Header is not complete
		if sequenceHeaderLength(p.b[o:]) == 0 {
			p.b = append(p.b[:0], p.b[o:]...)
			return len(b), nil
		}

		// Parse
		h, err := ParseSequenceHeader(p.b[o:])
		if err != nil {
			o += 4
			continue
		}
		p.found = true
		p.h = h
		p.b = nil
		return len(b), nil
	}

	// Only keep bytes that may be part of a start code
	if len(p.b) > 3 {
		p.b = append(p.b[:0], p.b[len(p.b)-3:]...)
	}
	return len(b), nil
}

// Header returns the first valid header found
func (p *VideoProbe) Header() (SequenceHeader, bool) {
	return p.h, p.found
}

// Picture is a coded picture and the headers preceding it
type Picture struct {
	Data []byte
	// Only valid when HasPTS is true. Expressed in seconds.
	PTS    float64
	HasPTS bool
}

// PictureFramer cuts an elementary video stream at picture boundaries. A timestamp applies
// to the first picture whose start code begins in the written bytes.
type PictureFramer struct {
	b          []byte
	hasPicture bool
	pending    *pendingPTS
	picture    Picture
	scanned    int
}

type pendingPTS struct {
	offset int
	pts    float64
}

func NewPictureFramer() *PictureFramer {
	return &PictureFramer{}
}

// Write appends data to the framer and returns pictures that are now complete
func (f *PictureFramer) Write(data []byte, pts float64, hasPTS bool) (ps []Picture) {
	// Store timestamp
	if hasPTS {
		f.pending = &pendingPTS{
			offset: len(f.b),
			pts:    pts,
		}
	}

	// Append
	f.b = append(f.b, data...)

	// Loop through start codes
	for {
		// Find start code
		o := findStartCode(f.b, f.scanned)
		if o < 0 || o+4 > len(f.b) {
			// The last bytes may be the beginning of a start code
			if s := len(f.b) - 3; s > f.scanned {
				f.scanned = s
			}
			return
		}
		f.scanned = o + 3

		// Process code
		switch f.b[o+3] {
		case StartCodePicture:
			if f.hasPicture {
				ps = append(ps, f.cut(o))
				o = 0
			}
			f.hasPicture = true
			if f.pending != nil && f.pending.offset <= o {
				f.picture.HasPTS = true
				f.picture.PTS = f.pending.pts
				f.pending = nil
			}
		case StartCodeSequenceHeader, StartCodeGOP, StartCodeSequenceEnd:
			if f.hasPicture {
				ps = append(ps, f.cut(o))
			}
		}
	}
}

// cut returns the picture ending at o and keeps the rest of the buffer
func (f *PictureFramer) cut(o int) (p Picture) {
	// Create picture
	p = f.picture
	p.Data = append([]byte(nil), f.b[:o]...)

	// Update buffer
	f.b = append(f.b[:0], f.b[o:]...)
	f.scanned -= o
	if f.pending != nil {
		if f.pending.offset -= o; f.pending.offset < 0 {
			f.pending.offset = 0
		}
	}

	// Reset picture
	f.hasPicture = false
	f.picture = Picture{}
	return
}

// Flush returns the buffered picture, if any, and resets the framer
func (f *PictureFramer) Flush() (p Picture, ok bool) {
	if f.hasPicture {
		p, ok = f.cut(len(f.b)), true
	}
	f.b = f.b[:0]
	f.pending = nil
	f.scanned = 0
	return
}
