// Package sink provides a renderer handing the samples it receives to a callback and/or a
// writer. It notifies the graph once it has received the end of stream.
package sink

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

var ClassID = uuid.MustParse("c1f400a4-3f08-11d3-9f0b-006008039e37")

const PinNameInput = "input"

var _ filtergraph.Filter = (*Sink)(nil)

type Sink struct {
	*filtergraph.BaseFilter
	eos bool
	in  *filtergraph.BasePin
	m   sync.Mutex // Locks eos and mt
	mt  *filtergraph.MediaType
	o   Options
}

type Options struct {
	Logger astikit.StdLogger
	// Any major type is accepted when nil
	Major    *uuid.UUID
	Metadata filtergraph.Metadata
	// Called when the input pin is connected, an error refuses the connection
	OnConnect func(mt filtergraph.MediaType) error
	OnSample  func(s *filtergraph.Sample) error
	// Any subtype is accepted when empty
	Subtypes []uuid.UUID
	Writer   io.Writer
}

// New creates a sink whose reference count is 1
func New(o Options) *Sink {
	// Create sink
	s := &Sink{o: o}
	s.BaseFilter = filtergraph.NewBaseFilter(s, filtergraph.FilterOptions{
		ClassID:       ClassID,
		Logger:        o.Logger,
		Metadata:      (&filtergraph.Metadata{Name: "sink"}).Merge(o.Metadata),
		OnStateChange: s.onStateChange,
	})

	// Create pin
	s.in = s.NewPin(filtergraph.PinOptions{
		AcceptMediaType: s.accept,
		Direction:       filtergraph.PinDirectionInput,
		Name:            PinNameInput,
		OnConnect:       s.onConnect,
		OnDisconnect:    s.onDisconnect,
		OnEndOfStream:   s.onEndOfStream,
		OnReceive:       s.onReceive,
		ReceiveCanBlock: true,
	})
	return s
}

func (s *Sink) Input() *filtergraph.BasePin {
	return s.in
}

// MediaType returns the media type of the current connection
func (s *Sink) MediaType() (filtergraph.MediaType, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.mt == nil {
		return filtergraph.MediaType{}, false
	}
	return s.mt.Copy(), true
}

// Ended returns whether the end of stream has been received since the sink left the
// stopped state
func (s *Sink) Ended() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.eos
}

func (s *Sink) accept(mt filtergraph.MediaType) bool {
	if s.o.Major != nil && mt.Major != *s.o.Major {
		return false
	}
	return len(s.o.Subtypes) == 0 || slices.Contains(s.o.Subtypes, mt.Sub)
}

func (s *Sink) onConnect(peer filtergraph.Pin, mt filtergraph.MediaType) error {
	// Callback
	if s.o.OnConnect != nil {
		if err := s.o.OnConnect(mt.Copy()); err != nil {
			return fmt.Errorf("sink: callback failed: %w", err)
		}
	}

	// Store media type
	s.m.Lock()
	s.mt = &mt
	s.m.Unlock()
	return nil
}

func (s *Sink) onDisconnect() {
	s.m.Lock()
	s.mt = nil
	s.m.Unlock()
}

func (s *Sink) onStateChange(from, to filtergraph.FilterState) error {
	if from == filtergraph.FilterStateStopped {
		s.m.Lock()
		s.eos = false
		s.m.Unlock()
	}
	return nil
}

func (s *Sink) onReceive(smp *filtergraph.Sample) error {
	// Invalid state
	if st := s.State(); st == filtergraph.FilterStateStopped {
		return fmt.Errorf("sink: %s is %s: %w", s, st, filtergraph.ErrWrongState)
	}

	// Write
	if s.o.Writer != nil {
		if _, err := s.o.Writer.Write(smp.Bytes()); err != nil {
			return fmt.Errorf("sink: writing sample failed: %w", err)
		}
	}

	// Callback
	if s.o.OnSample != nil {
		if err := s.o.OnSample(smp); err != nil {
			return fmt.Errorf("sink: callback failed: %w", err)
		}
	}
	return nil
}

func (s *Sink) onEndOfStream() error {
	// Update
	s.m.Lock()
	s.eos = true
	s.m.Unlock()

	// Log
	s.Logger().DebugC(s.Context(), fmt.Sprintf("sink: %s received end of stream", s))

	// Notify graph
	if g := s.Graph(); g != nil {
		if err := g.Notify(filtergraph.EventCodeComplete, s); err != nil {
			return fmt.Errorf("sink: notifying graph failed: %w", err)
		}
	}
	return nil
}
