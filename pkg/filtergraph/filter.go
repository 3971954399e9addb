package filtergraph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

var filterCount uint64

type FilterState int

// Must be in order of activity
const (
	FilterStateStopped FilterState = iota
	FilterStatePaused
	FilterStateRunning
)

func (s FilterState) String() string {
	switch s {
	case FilterStatePaused:
		return "paused"
	case FilterStateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// BaseFilter is embedded by filters. It owns the pins, the state machine and the closer
// executed when the last reference is released.
type BaseFilter struct {
	*Object
	c     *astikit.Closer
	ctx   context.Context
	dss   []astikit.DeltaStat
	e     *astikit.EventManager
	g     *Graph
	id    uint64
	l     astikit.CompleteLogger
	m     sync.Mutex // Locks ctx, dss, g, l, name, pins, s and start
	ms    sync.Mutex // Serializes state changes
	name  string
	o     FilterOptions
	pins  []*BasePin
	s     FilterState
	self  Filter
	start ReferenceTime
}

type FilterOptions struct {
	ClassID  uuid.UUID
	Logger   astikit.StdLogger
	Metadata Metadata
	// It's executed before the new state becomes visible. When entering the stopped
	// state, it must only return once no sample can be delivered anymore.
	OnStateChange func(from, to FilterState) error
}

// NewBaseFilter creates the base of the provided filter, whose reference count is 1
func NewBaseFilter(self Filter, o FilterOptions) *BaseFilter {
	// Create filter
	f := &BaseFilter{
		c:    astikit.NewCloser(),
		ctx:  context.Background(),
		e:    astikit.NewEventManager(),
		id:   atomic.AddUint64(&filterCount, 1),
		l:    astikit.AdaptStdLogger(o.Logger),
		name: o.Metadata.Name,
		o:    o,
		self: self,
	}
	f.Object = NewObject(self, ObjectOptions{})

	// Add capabilities
	f.AddCapability(CapabilityIDBaseFilter, self)
	f.AddCapability(CapabilityIDMediaFilter, self)

	// Make sure to close the filter once it's destroyed
	f.OnDestroy(func() {
		if err := f.c.Close(); err != nil {
			f.Logger().WarnC(f.Context(), fmt.Errorf("filtergraph: closing %s failed: %w", f, err))
		}
	})
	return f
}

func (f *BaseFilter) ID() uint64 {
	return f.id
}

func (f *BaseFilter) String() string {
	f.m.Lock()
	name := f.name
	f.m.Unlock()
	if name != "" {
		return fmt.Sprintf("%s (filter_%d)", name, f.id)
	}
	return fmt.Sprintf("filter_%d", f.id)
}

func (f *BaseFilter) ClassID() uuid.UUID {
	return f.o.ClassID
}

func (f *BaseFilter) Metadata() Metadata {
	return f.o.Metadata
}

// Closer is closed once the filter is destroyed
func (f *BaseFilter) Closer() *astikit.Closer {
	return f.c
}

func (f *BaseFilter) Context() context.Context {
	f.m.Lock()
	defer f.m.Unlock()
	return f.ctx
}

func (f *BaseFilter) Logger() astikit.CompleteLogger {
	f.m.Lock()
	defer f.m.Unlock()
	return f.l
}

// Graph returns the graph the filter has joined, which the filter doesn't own
func (f *BaseFilter) Graph() *Graph {
	f.m.Lock()
	defer f.m.Unlock()
	return f.g
}

func (f *BaseFilter) Emit(n astikit.EventName, payload interface{}) {
	f.e.Emit(n, payload)
}

func (f *BaseFilter) On(n astikit.EventName, h astikit.EventHandler) astikit.EventRemover {
	return f.e.On(n, h)
}

// DispatchError is used when an error can't be returned to a caller
func (f *BaseFilter) DispatchError(err error) {
	f.Logger().WarnC(f.Context(), err)
	f.Emit(EventNameFilterError, err)
}

func (f *BaseFilter) JoinGraph(g *Graph, name string) error {
	// Create context
	ctx := context.Background()
	if g != nil && g.o.ContextAdapters.Filter != nil {
		ctx = g.o.ContextAdapters.Filter(ctx, g, f.self, name)
	}

	// Lock
	f.m.Lock()
	defer f.m.Unlock()

	// Update
	f.ctx = ctx
	f.g = g
	if name != "" {
		f.name = name
	}
	if f.o.Logger == nil {
		if g != nil {
			f.l = g.l
		} else {
			f.l = astikit.AdaptStdLogger(nil)
		}
	}
	return nil
}

func (f *BaseFilter) QueryFilterInfo() FilterInfo {
	f.m.Lock()
	defer f.m.Unlock()
	return FilterInfo{
		Graph: f.g,
		Name:  f.name,
	}
}

func (f *BaseFilter) Pins() (ps []Pin) {
	f.m.Lock()
	defer f.m.Unlock()
	ps = make([]Pin, 0, len(f.pins))
	for _, p := range f.pins {
		ps = append(ps, p)
	}
	return
}

func (f *BaseFilter) FindPin(id string) (Pin, error) {
	f.m.Lock()
	defer f.m.Unlock()
	for _, p := range f.pins {
		if p.name == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("filtergraph: no pin %s in %s", id, f.name)
}

// AddDeltaStats adds filter-specific stats to the ones of its pins
func (f *BaseFilter) AddDeltaStats(ss ...astikit.DeltaStat) {
	f.m.Lock()
	defer f.m.Unlock()
	f.dss = append(f.dss, ss...)
}

func (f *BaseFilter) DeltaStats() []astikit.DeltaStat {
	f.m.Lock()
	defer f.m.Unlock()
	var ss []astikit.DeltaStat
	for _, p := range f.pins {
		ss = append(ss, p.deltaStats()...)
	}
	return append(ss, f.dss...)
}

func (f *BaseFilter) State() FilterState {
	f.m.Lock()
	defer f.m.Unlock()
	return f.s
}

// StartTime returns the reference time provided to the last Run call
func (f *BaseFilter) StartTime() ReferenceTime {
	f.m.Lock()
	defer f.m.Unlock()
	return f.start
}

func (f *BaseFilter) Run(start ReferenceTime) error {
	return f.setState(FilterStateRunning, start)
}

func (f *BaseFilter) Pause() error {
	return f.setState(FilterStatePaused, f.StartTime())
}

func (f *BaseFilter) Stop() error {
	return f.setState(FilterStateStopped, f.StartTime())
}

func (f *BaseFilter) setState(to FilterState, start ReferenceTime) error {
	// Lock
	f.ms.Lock()
	defer f.ms.Unlock()

	// Nothing to do
	from := f.State()
	if from == to {
		return nil
	}

	// Callback
	if f.o.OnStateChange != nil {
		if err := f.o.OnStateChange(from, to); err != nil {
			return fmt.Errorf("filtergraph: switching %s from %s to %s failed: %w", f, from, to, err)
		}
	}

	// Update state
	f.m.Lock()
	f.s = to
	f.start = start
	f.m.Unlock()

	// Log
	f.Logger().DebugC(f.Context(), fmt.Sprintf("filtergraph: %s is %s", f, to))

	// Emit
	f.Emit(EventNameFilterStateChanged, FilterStateChange{From: from, To: to})
	return nil
}
