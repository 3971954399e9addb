package mocks

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/google/uuid"
)

type MockedSample struct {
	Bytes         []byte
	Discontinuity bool
	Duration      *filtergraph.ReferenceTime
	PTS           *filtergraph.ReferenceTime
	SyncPoint     bool
}

var _ filtergraph.Filter = (*MockedSink)(nil)

// MockedSink records everything its input pin receives
type MockedSink struct {
	*filtergraph.BaseFilter
	eos       int
	eosCh     chan struct{}
	In        *filtergraph.BasePin
	m         sync.Mutex // Locks eos and samples
	OnReceive func(s *filtergraph.Sample) error
	samples   []MockedSample
}

// NewMockedSink creates a sink accepting media types validated by the provided function.
// A nil function accepts everything.
func NewMockedSink(accept func(mt filtergraph.MediaType) bool) *MockedSink {
	s := &MockedSink{eosCh: make(chan struct{})}
	s.BaseFilter = filtergraph.NewBaseFilter(s, filtergraph.FilterOptions{Metadata: filtergraph.Metadata{Name: "mocked_sink"}})
	if accept == nil {
		accept = func(mt filtergraph.MediaType) bool { return true }
	}
	s.In = s.NewPin(filtergraph.PinOptions{
		AcceptMediaType: accept,
		Direction:       filtergraph.PinDirectionInput,
		Name:            "in",
		OnEndOfStream:   s.onEndOfStream,
		OnReceive:       s.onReceive,
	})
	return s
}

func (s *MockedSink) onReceive(smp *filtergraph.Sample) error {
	// Store sample
	pts, duration := smp.Time()
	s.m.Lock()
	s.samples = append(s.samples, MockedSample{
		Bytes:         bytes.Clone(smp.Bytes()),
		Discontinuity: smp.Discontinuity(),
		Duration:      duration,
		PTS:           pts,
		SyncPoint:     smp.SyncPoint(),
	})
	s.m.Unlock()

	// Callback
	if s.OnReceive != nil {
		return s.OnReceive(smp)
	}
	return nil
}

func (s *MockedSink) onEndOfStream() error {
	s.m.Lock()
	s.eos++
	if s.eos == 1 {
		close(s.eosCh)
	}
	s.m.Unlock()
	if g := s.Graph(); g != nil {
		return g.Notify(filtergraph.EventCodeComplete, s)
	}
	return nil
}

func (s *MockedSink) Samples() []MockedSample {
	s.m.Lock()
	defer s.m.Unlock()
	ss := make([]MockedSample, len(s.samples))
	copy(ss, s.samples)
	return ss
}

func (s *MockedSink) EndOfStreams() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.eos
}

func (s *MockedSink) WaitEndOfStream(ctx context.Context) error {
	select {
	case <-s.eosCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ filtergraph.AsyncReader = (*mockedAsyncReader)(nil)
	_ filtergraph.Filter      = (*MockedSource)(nil)
)

// MockedSource exposes bytes through its output pin
type MockedSource struct {
	*filtergraph.BaseFilter
	Out *filtergraph.BasePin
}

type MockedSourceOptions struct {
	Data        []byte
	MediaTypes  []filtergraph.MediaType
	NoReader    bool
	ReaderError error
}

func NewMockedSource(o MockedSourceOptions) *MockedSource {
	s := &MockedSource{}
	s.BaseFilter = filtergraph.NewBaseFilter(s, filtergraph.FilterOptions{
		ClassID:  uuid.New(),
		Metadata: filtergraph.Metadata{Name: "mocked_source"},
	})
	s.Out = s.NewPin(filtergraph.PinOptions{
		Direction:  filtergraph.PinDirectionOutput,
		MediaTypes: func() []filtergraph.MediaType { return o.MediaTypes },
		Name:       "out",
	})
	if !o.NoReader {
		s.Out.AddCapability(filtergraph.CapabilityIDAsyncReader, &mockedAsyncReader{
			BasePin: s.Out,
			data:    o.Data,
			err:     o.ReaderError,
		})
	}
	return s
}

type mockedAsyncReader struct {
	*filtergraph.BasePin
	data []byte
	err  error
}

func (r *mockedAsyncReader) Length() (total, available int64, err error) {
	return int64(len(r.data)), int64(len(r.data)), nil
}

func (r *mockedAsyncReader) SyncRead(position int64, b []byte) error {
	if r.err != nil {
		return r.err
	}
	if position < 0 || position+int64(len(b)) > int64(len(r.data)) {
		return fmt.Errorf("mocks: reading %d bytes at %d is out of bounds", len(b), position)
	}
	copy(b, r.data[position:])
	return nil
}
