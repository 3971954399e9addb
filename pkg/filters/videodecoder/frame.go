package videodecoder

import (
	"context"
	"fmt"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/google/uuid"
)

// Frame is a decoded 4:2:0 planar picture
type Frame struct {
	Height int
	// Y, Cb and Cr
	Planes [3][]byte
	// Nil when the backend doesn't know
	PTS     *filtergraph.ReferenceTime
	Strides [3]int
	Width   int
}

func (f Frame) validate(width, height int) error {
	if f.Width != width || f.Height != height {
		return fmt.Errorf("videodecoder: frame is %dx%d, expected %dx%d", f.Width, f.Height, width, height)
	}
	cw, ch := (width+1)/2, (height+1)/2
	for i, v := range []struct{ w, h int }{{width, height}, {cw, ch}, {cw, ch}} {
		if f.Strides[i] < v.w || len(f.Planes[i]) < f.Strides[i]*(v.h-1)+v.w {
			return fmt.Errorf("videodecoder: plane %d is too small", i)
		}
	}
	return nil
}

type FrameFunc func(f Frame) error

// FrameDecoder decodes complete coded pictures. Frames are only valid until the callback
// returns.
type FrameDecoder interface {
	Close()
	// Data is a coded picture preceded by the headers found before it in the stream
	Decode(data []byte, pts *filtergraph.ReferenceTime, fn FrameFunc) error
	// Flush outputs frames still buffered in the decoder
	Flush(fn FrameFunc) error
}

type FrameDecoderOptions struct {
	// Context of the filter using the decoder
	Context        context.Context
	Height         int
	SequenceHeader []byte
	Width          int
}

type NewFrameDecoderFunc func(o FrameDecoderOptions) (FrameDecoder, error)

// layout is a pixel layout the decoder can output
type layout struct {
	bitCount    uint16
	compression uint32
	sub         uuid.UUID
	write       func(dst []byte, f Frame)
}

// layouts are in preference order
var layouts = []layout{
	{
		bitCount:    12,
		compression: filtergraph.BitmapCompressionYV12,
		sub:         filtergraph.MediaSubtypeYV12,
		write:       writeYV12,
	},
	{
		bitCount:    24,
		compression: filtergraph.BitmapCompressionRGB,
		sub:         filtergraph.MediaSubtypeRGB24,
		write:       func(dst []byte, f Frame) { writeRGB(dst, f, 3) },
	},
	{
		bitCount:    32,
		compression: filtergraph.BitmapCompressionRGB,
		sub:         filtergraph.MediaSubtypeRGB32,
		write:       func(dst []byte, f Frame) { writeRGB(dst, f, 4) },
	},
}

func layoutFromSubtype(sub uuid.UUID) (layout, bool) {
	for _, l := range layouts {
		if l.sub == sub {
			return l, true
		}
	}
	return layout{}, false
}

func (l layout) size(width, height int) int {
	return width * height * int(l.bitCount) / 8
}

// writeYV12 copies the Y plane, then the Cr plane, then the Cb plane. Chroma planes are
// truncated to half the dimensions, and the bytes left over with odd dimensions are zeroed.
func writeYV12(dst []byte, f Frame) {
	o := 0
	cw, ch := f.Width/2, f.Height/2
	for _, p := range []struct {
		idx  int
		w, h int
	}{
		{idx: 0, w: f.Width, h: f.Height},
		{idx: 2, w: cw, h: ch},
		{idx: 1, w: cw, h: ch},
	} {
		for y := 0; y < p.h; y++ {
			o += copy(dst[o:o+p.w], f.Planes[p.idx][y*f.Strides[p.idx]:])
		}
	}
	clear(dst[o:])
}

// writeRGB writes bottom-up BGR rows, followed by a 0xff byte when there are 4 bytes per
// pixel. Conversion uses BT.601 limited range coefficients in 16.16 fixed point.
func writeRGB(dst []byte, f Frame, bytesPerPixel int) {
	rowSize := f.Width * bytesPerPixel
	for y := 0; y < f.Height; y++ {
		row := dst[(f.Height-1-y)*rowSize:]
		ys := f.Planes[0][y*f.Strides[0]:]
		cbs := f.Planes[1][(y/2)*f.Strides[1]:]
		crs := f.Planes[2][(y/2)*f.Strides[2]:]
		for x := 0; x < f.Width; x++ {
			cb := int(cbs[x/2]) - 128
			cr := int(crs[x/2]) - 128
			l := ((int(ys[x]) - 16) * 76309) >> 16
			o := x * bytesPerPixel
			row[o] = clamp(l + (cb*132201)>>16)
			row[o+1] = clamp(l - (cb*25674+cr*53278)>>16)
			row[o+2] = clamp(l + (cr*104597)>>16)
			if bytesPerPixel == 4 {
				row[o+3] = 0xff
			}
		}
	}
}

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
