// Package source provides a filter exposing a file, or any io.ReaderAt, to downstream
// filters pulling bytes through the AsyncReader capability.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

var ClassID = uuid.MustParse("e436ebb5-524f-11ce-9f53-0020af0ba770")

const PinNameOutput = "output"

const DeltaStatNameReadBytes = "source.read.bytes"

var (
	_ filtergraph.AsyncReader = (*asyncReader)(nil)
	_ filtergraph.Filter      = (*Source)(nil)
)

// sizer is implemented by *bytes.Reader, *io.SectionReader and *strings.Reader
type sizer interface {
	Size() int64
}

type Source struct {
	*filtergraph.BaseFilter
	cs   *cumulativeStats
	mt   filtergraph.MediaType
	out  *filtergraph.BasePin
	r    io.ReaderAt
	size int64
}

type cumulativeStats struct {
	readBytes uint64
}

type Options struct {
	Logger astikit.StdLogger
	// Defaults to an MPEG-1 system stream
	MediaType *filtergraph.MediaType
	Metadata  filtergraph.Metadata
	// Opened when Reader is nil
	Path   string
	Reader io.ReaderAt
	// Only needed when Reader doesn't have a Size method
	Size int64
}

// New creates a source whose reference count is 1
func New(o Options) (s *Source, err error) {
	// Create source
	s = &Source{
		cs: &cumulativeStats{},
		mt: filtergraph.MediaType{
			Major: filtergraph.MediaTypeStream,
			Sub:   filtergraph.MediaSubtypeMPEG1System,
		},
		r:    o.Reader,
		size: o.Size,
	}
	if o.MediaType != nil {
		s.mt = o.MediaType.Copy()
	}
	name := "source"
	if o.Path != "" {
		name = o.Path
	}
	s.BaseFilter = filtergraph.NewBaseFilter(s, filtergraph.FilterOptions{
		ClassID:  ClassID,
		Logger:   o.Logger,
		Metadata: (&filtergraph.Metadata{Name: name}).Merge(o.Metadata),
	})

	// Make sure to release the source on error
	defer func() {
		if err != nil {
			s.Release()
			s = nil
		}
	}()

	// Open file
	if s.r == nil {
		if o.Path == "" {
			err = errors.New("source: no reader nor path provided")
			return
		}

		var f *os.File
		if f, err = os.Open(o.Path); err != nil {
			err = fmt.Errorf("source: opening %s failed: %w", o.Path, err)
			return
		}
		s.Closer().AddWithError(f.Close)
		s.r = f

		var fi os.FileInfo
		if fi, err = f.Stat(); err != nil {
			err = fmt.Errorf("source: stating %s failed: %w", o.Path, err)
			return
		}
		s.size = fi.Size()
	} else if v, ok := s.r.(sizer); ok && s.size <= 0 {
		s.size = v.Size()
	}

	// Invalid size
	if s.size < 0 {
		err = fmt.Errorf("source: invalid size %d", s.size)
		return
	}

	// Create pin
	s.out = s.NewPin(filtergraph.PinOptions{
		Direction:  filtergraph.PinDirectionOutput,
		MediaTypes: func() []filtergraph.MediaType { return []filtergraph.MediaType{s.mt.Copy()} },
		Name:       PinNameOutput,
	})
	s.out.AddCapability(filtergraph.CapabilityIDAsyncReader, &asyncReader{
		BasePin: s.out,
		s:       s,
	})

	// Add stats
	s.AddDeltaStats(astikit.DeltaStat{
		Metadata: astikit.DeltaStatMetadata{
			Description: "Number of bytes read per second",
			Label:       "Read bytes",
			Name:        DeltaStatNameReadBytes,
			Unit:        "Bps",
		},
		Valuer: astikit.NewAtomicUint64RateDeltaStat(&s.cs.readBytes),
	})
	return
}

func (s *Source) Output() *filtergraph.BasePin {
	return s.out
}

// asyncReader is the AsyncReader capability of the output pin
type asyncReader struct {
	*filtergraph.BasePin
	s *Source
}

// Length reports the whole stream as available
func (r *asyncReader) Length() (total, available int64, err error) {
	return r.s.size, r.s.size, nil
}

// SyncRead fails unless b can be filled entirely
func (r *asyncReader) SyncRead(position int64, b []byte) error {
	// Out of bounds
	if position < 0 || position+int64(len(b)) > r.s.size {
		return fmt.Errorf("source: reading %d bytes at %d is out of bounds [0, %d): %w", len(b), position, r.s.size, io.ErrUnexpectedEOF)
	}

	// Read
	n, err := r.s.r.ReadAt(b, position)
	atomic.AddUint64(&r.s.cs.readBytes, uint64(n))
	if n < len(b) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("source: reading %d bytes at %d failed: %w", len(b), position, err)
	}
	return nil
}
