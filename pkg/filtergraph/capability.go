package filtergraph

import "github.com/google/uuid"

// Capability ids reuse the well-known interface ids so that they can be matched against
// what legacy callers ask for
var (
	CapabilityIDAsyncReader  = uuid.MustParse("56a868aa-0ad4-11ce-b03a-0020af0ba770")
	CapabilityIDBaseFilter   = uuid.MustParse("56a86895-0ad4-11ce-b03a-0020af0ba770")
	CapabilityIDMediaFilter  = uuid.MustParse("56a86899-0ad4-11ce-b03a-0020af0ba770")
	CapabilityIDMemInputPin  = uuid.MustParse("56a8689d-0ad4-11ce-b03a-0020af0ba770")
	CapabilityIDPin          = uuid.MustParse("56a86891-0ad4-11ce-b03a-0020af0ba770")
	CapabilityIDStreamSelect = uuid.MustParse("c1960960-17f5-11d1-abe1-00a0c905f375")
	CapabilityIDUnknown      = uuid.MustParse("00000000-0000-0000-c000-000000000046")
)

// Unknown is implemented by every object taking part in a graph
type Unknown interface {
	QueryCapability(id uuid.UUID) (Unknown, error)
	Release() uint32
	Retain() uint32
}

type PinDirection int

const (
	PinDirectionInput PinDirection = iota
	PinDirectionOutput
)

func (d PinDirection) String() string {
	switch d {
	case PinDirectionInput:
		return "input"
	default:
		return "output"
	}
}

type PinInfo struct {
	Direction PinDirection
	Filter    Filter
	Name      string
}

type Pin interface {
	Unknown
	Connect(receivePin Pin, mt *MediaType) error
	ConnectedTo() (Pin, error)
	ConnectionMediaType() (MediaType, error)
	Disconnect() error
	EndOfStream() error
	EnumMediaTypes() []MediaType
	QueryAccept(mt MediaType) error
	QueryDirection() PinDirection
	QueryID() string
	QueryPinInfo() PinInfo
	ReceiveConnection(connector Pin, mt MediaType) error
}

type MemInputPin interface {
	Unknown
	Receive(s *Sample) error
	ReceiveCanBlock() bool
}

type FilterInfo struct {
	Graph *Graph
	Name  string
}

type Filter interface {
	Unknown
	ClassID() uuid.UUID
	FindPin(id string) (Pin, error)
	JoinGraph(g *Graph, name string) error
	Pause() error
	Pins() []Pin
	QueryFilterInfo() FilterInfo
	Run(start ReferenceTime) error
	State() FilterState
	Stop() error
}

// AsyncReader gives random access to a whole byte stream
type AsyncReader interface {
	Unknown
	Length() (total, available int64, err error)
	SyncRead(position int64, b []byte) error
}

type StreamInfo struct {
	Enabled   bool
	Group     int
	MediaType MediaType
	Name      string
}

type StreamSelectFlags uint32

const (
	StreamSelectFlagEnable StreamSelectFlags = 1 << iota
	StreamSelectFlagEnableAll
)

type StreamSelect interface {
	Unknown
	Count() int
	Enable(index int, flags StreamSelectFlags) error
	Info(index int) (StreamInfo, error)
}

type EventCode int

const (
	EventCodeComplete EventCode = iota + 1
	EventCodeErrorAbort
)

// MediaEventSink is how filters report events to the graph they've joined
type MediaEventSink interface {
	Notify(code EventCode, f Filter) error
}

// QueryCapabilityAs queries a capability and asserts it to the type expected by the caller
func QueryCapabilityAs[T any](u Unknown, id uuid.UUID) (t T, err error) {
	var v Unknown
	if v, err = u.QueryCapability(id); err != nil {
		return
	}
	var ok bool
	if t, ok = v.(T); !ok {
		err = ErrNotSupported
		return
	}
	return
}

// Identity returns the identity of the object behind the capability reference, or the
// reference itself when it can't be resolved
func Identity(u Unknown) Unknown {
	if u == nil {
		return nil
	}
	i, err := u.QueryCapability(CapabilityIDUnknown)
	if err != nil {
		return u
	}
	return i
}

// SameObject returns whether both capability references resolve to one identity
func SameObject(a, b Unknown) bool {
	if a == nil || b == nil {
		return a == b
	}
	ia, err := a.QueryCapability(CapabilityIDUnknown)
	if err != nil {
		return false
	}
	ib, err := b.QueryCapability(CapabilityIDUnknown)
	if err != nil {
		return false
	}
	return ia == ib
}
