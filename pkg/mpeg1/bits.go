package mpeg1

import (
	"bytes"
	"fmt"

	"github.com/asticode/go-astikit"
)

// bitWriter keeps the first error and counts written bits so that it can pad to the next
// byte boundary
type bitWriter struct {
	buf *bytes.Buffer
	err error
	n   int
	w   *astikit.BitsWriter
}

func newBitWriter() *bitWriter {
	buf := &bytes.Buffer{}
	return &bitWriter{
		buf: buf,
		w:   astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: buf}),
	}
}

func (w *bitWriter) writeN(v uint64, n int) {
	if w.err != nil {
		return
	}
	if w.err = w.w.WriteN(v, n); w.err != nil {
		w.err = fmt.Errorf("mpeg1: writing %d bits failed: %w", n, w.err)
		return
	}
	w.n += n
}

func (w *bitWriter) writeBytes(b []byte) {
	for _, v := range b {
		w.writeN(uint64(v), 8)
	}
}

// align pads with zeros up to the next byte boundary
func (w *bitWriter) align() {
	if r := w.n % 8; r > 0 {
		w.writeN(0, 8-r)
	}
}

func (w *bitWriter) bytes() ([]byte, error) {
	w.align()
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}
