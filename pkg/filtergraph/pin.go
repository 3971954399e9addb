package filtergraph

import (
	"fmt"
	"sync"
)

var (
	_ MemInputPin = (*BasePin)(nil)
	_ Pin         = (*BasePin)(nil)
)

// BasePin implements the connection protocol. What changes from one pin to another is
// provided through options so that filters rarely need their own pin type.
type BasePin struct {
	*Object
	cs        *pinCumulativeStats
	dir       PinDirection
	f         *BaseFilter
	index     int
	m         sync.Mutex // Locks mt, peer and peerInput
	mc        sync.Mutex // Serializes connections
	mt        *MediaType
	name      string
	o         PinOptions
	peer      Pin
	peerInput MemInputPin
}

type PinOptions struct {
	// Input pins only
	AcceptMediaType func(mt MediaType) bool
	Direction       PinDirection
	// Output pins only, in preference order
	MediaTypes func() []MediaType
	Name       string
	// On output pins it's called once the peer has accepted the connection, on input pins
	// it's called once the media type has been accepted. In both cases, an error cancels
	// the connection.
	OnConnect     func(peer Pin, mt MediaType) error
	OnDisconnect  func()
	OnEndOfStream func() error
	// Input pins providing it can receive samples
	OnReceive       func(s *Sample) error
	ReceiveCanBlock bool
}

// NewPin creates a pin owned by the filter. Pins share the filter's reference count.
func (f *BaseFilter) NewPin(o PinOptions) *BasePin {
	// Create pin
	p := &BasePin{
		cs:   &pinCumulativeStats{},
		dir:  o.Direction,
		f:    f,
		name: o.Name,
		o:    o,
	}
	p.Object = NewObject(p, ObjectOptions{Outer: f.Object})

	// Add capabilities
	p.AddCapability(CapabilityIDPin, p)
	if o.Direction == PinDirectionInput && o.OnReceive != nil {
		p.AddCapability(CapabilityIDMemInputPin, p)
	}

	// Store pin
	f.m.Lock()
	p.index = len(f.pins)
	f.pins = append(f.pins, p)
	f.m.Unlock()
	return p
}

func (p *BasePin) String() string {
	return fmt.Sprintf("%s.%s", p.f, p.name)
}

func (p *BasePin) Index() int {
	return p.index
}

// Filter returns the owning filter
func (p *BasePin) Filter() Filter {
	return p.f.self
}

func (p *BasePin) QueryDirection() PinDirection {
	return p.dir
}

func (p *BasePin) QueryID() string {
	return p.name
}

func (p *BasePin) QueryPinInfo() PinInfo {
	return PinInfo{
		Direction: p.dir,
		Filter:    p.f.self,
		Name:      p.name,
	}
}

func (p *BasePin) EnumMediaTypes() []MediaType {
	if p.o.MediaTypes == nil {
		return nil
	}
	return p.o.MediaTypes()
}

func (p *BasePin) QueryAccept(mt MediaType) error {
	if p.o.AcceptMediaType == nil || !p.o.AcceptMediaType(mt) {
		return fmt.Errorf("filtergraph: %s refused %s: %w", p, mt, ErrTypeNotAccepted)
	}
	return nil
}

func (p *BasePin) ConnectedTo() (Pin, error) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.peer == nil {
		return nil, ErrNotConnected
	}
	return p.peer, nil
}

func (p *BasePin) ConnectionMediaType() (MediaType, error) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.mt == nil {
		return MediaType{}, ErrNotConnected
	}
	return p.mt.Copy(), nil
}

func (p *BasePin) IsConnected() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.peer != nil
}

func (p *BasePin) setPeer(peer Pin, mt *MediaType) {
	p.m.Lock()
	defer p.m.Unlock()
	p.peer = peer
	p.peerInput = nil
	p.mt = nil
	if peer == nil {
		return
	}
	p.mt = mt
	if v, err := QueryCapabilityAs[MemInputPin](peer, CapabilityIDMemInputPin); err == nil {
		p.peerInput = v
	}
}

// Connect is called on an output pin. When a media type is provided, it's the only one
// tried, otherwise candidates are tried in order and the first one accepted by the peer
// is committed.
func (p *BasePin) Connect(receivePin Pin, mt *MediaType) error {
	// Invalid direction
	if p.dir != PinDirectionOutput {
		return fmt.Errorf("filtergraph: connect called on input pin %s: %w", p, ErrUnexpected)
	}

	// Lock
	p.mc.Lock()
	defer p.mc.Unlock()

	// Invalid state
	if p.IsConnected() {
		return fmt.Errorf("filtergraph: %s: %w", p, ErrAlreadyConnected)
	}
	if s := p.f.State(); s != FilterStateStopped {
		return fmt.Errorf("filtergraph: %s is %s: %w", p.f, s, ErrNotStopped)
	}

	// Get candidates
	var mts []MediaType
	if mt != nil {
		mts = []MediaType{*mt}
	} else {
		mts = p.EnumMediaTypes()
	}

	// Loop through candidates
	var lastErr error
	for _, c := range mts {
		// Peer refused media type
		if err := receivePin.ReceiveConnection(p, c.Copy()); err != nil {
			p.f.Logger().DebugC(p.f.Context(), fmt.Errorf("filtergraph: %s refused %s: %w", receivePin.QueryID(), c, err))
			lastErr = err
			continue
		}

		// Store peer
		c = c.Copy()
		p.setPeer(receivePin, &c)

		// Callback
		if p.o.OnConnect != nil {
			if err := p.o.OnConnect(receivePin, c.Copy()); err != nil {
				p.setPeer(nil, nil)
				receivePin.Disconnect() //nolint: errcheck
				return fmt.Errorf("filtergraph: committing connection of %s failed: %w", p, err)
			}
		}

		// Log
		p.f.Logger().InfoC(p.f.Context(), fmt.Sprintf("filtergraph: %s connected to %s with %s", p, receivePin.QueryID(), c))

		// Emit
		p.f.Emit(EventNamePinConnected, PinConnection{From: p, MediaType: c.Copy(), To: receivePin})
		return nil
	}

	// No acceptable type
	if lastErr != nil {
		return fmt.Errorf("%w: last error: %s", ErrNoAcceptableType, lastErr)
	}
	return fmt.Errorf("filtergraph: %s has no candidate: %w", p, ErrNoAcceptableType)
}

// ReceiveConnection is called on an input pin by the output pin initiating the connection
func (p *BasePin) ReceiveConnection(connector Pin, mt MediaType) error {
	// Invalid direction
	if p.dir != PinDirectionInput || connector.QueryDirection() != PinDirectionOutput {
		return fmt.Errorf("filtergraph: receive connection called on %s pin %s: %w", p.dir, p, ErrUnexpected)
	}

	// Lock
	p.mc.Lock()
	defer p.mc.Unlock()

	// Invalid state
	if p.IsConnected() {
		return fmt.Errorf("filtergraph: %s: %w", p, ErrAlreadyConnected)
	}
	if s := p.f.State(); s != FilterStateStopped {
		return fmt.Errorf("filtergraph: %s is %s: %w", p.f, s, ErrNotStopped)
	}

	// Check media type
	if err := p.QueryAccept(mt); err != nil {
		return err
	}

	// Callback
	if p.o.OnConnect != nil {
		if err := p.o.OnConnect(connector, mt.Copy()); err != nil {
			return err
		}
	}

	// Store peer
	p.setPeer(connector, &mt)
	return nil
}

// Disconnect only breaks this side of the connection
func (p *BasePin) Disconnect() error {
	// Lock
	p.mc.Lock()
	defer p.mc.Unlock()

	// Not connected
	peer, err := p.ConnectedTo()
	if err != nil {
		return nil
	}

	// Invalid state
	if s := p.f.State(); s != FilterStateStopped {
		return fmt.Errorf("filtergraph: %s is %s: %w", p.f, s, ErrNotStopped)
	}

	// Remove peer
	p.setPeer(nil, nil)

	// Callback
	if p.o.OnDisconnect != nil {
		p.o.OnDisconnect()
	}

	// Emit
	p.f.Emit(EventNamePinDisconnected, PinConnection{From: p, To: peer})
	return nil
}

func (p *BasePin) EndOfStream() error {
	// Invalid direction
	if p.dir != PinDirectionInput {
		return fmt.Errorf("filtergraph: end of stream sent to output pin %s: %w", p, ErrUnexpected)
	}

	// Emit
	p.f.Emit(EventNameFilterEndOfStream, p)

	// Callback
	if p.o.OnEndOfStream != nil {
		return p.o.OnEndOfStream()
	}
	return nil
}

func (p *BasePin) Receive(s *Sample) error {
	// Invalid direction
	if p.dir != PinDirectionInput {
		return fmt.Errorf("filtergraph: sample sent to output pin %s: %w", p, ErrUnexpected)
	}

	// No callback
	if p.o.OnReceive == nil {
		return fmt.Errorf("filtergraph: %s doesn't receive samples: %w", p, ErrNotSupported)
	}

	// Update stats
	p.cs.add(s)

	// Callback
	return p.o.OnReceive(s)
}

func (p *BasePin) ReceiveCanBlock() bool {
	return p.o.ReceiveCanBlock
}

// Deliver pushes a sample synchronously to the peer of an output pin
func (p *BasePin) Deliver(s *Sample) error {
	// Get peer input
	p.m.Lock()
	in := p.peerInput
	connected := p.peer != nil
	p.m.Unlock()

	// Peer can't receive samples
	if in == nil {
		if !connected {
			return fmt.Errorf("filtergraph: %s: %w", p, ErrNotConnected)
		}
		return fmt.Errorf("filtergraph: peer of %s doesn't receive samples: %w", p, ErrNotSupported)
	}

	// Update stats
	p.cs.add(s)

	// Receive
	return in.Receive(s)
}

// DeliverEndOfStream notifies the peer of an output pin that no more samples will come
func (p *BasePin) DeliverEndOfStream() error {
	peer, err := p.ConnectedTo()
	if err != nil {
		return err
	}
	return peer.EndOfStream()
}
