package filtergraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astikit"
)

var graphCount uint64

var _ MediaEventSink = (*Graph)(nil)

// Graph owns its filters: it's the only place where a filter reference is held on behalf
// of someone else. Connections between pins are weak.
type Graph struct {
	c         *astikit.Closer
	complete  chan struct{}
	completed map[Unknown]bool
	ctx       context.Context
	dss       []astikit.DeltaStat
	e         *astikit.EventManager
	fs        []Filter
	id        uint64
	l         astikit.CompleteLogger
	m         sync.Mutex // Locks complete, completed, fs and s
	ms        sync.Mutex // Serializes state changes
	o         GraphOptions
	ps        []Plugin
	renderers map[Unknown]bool
	s         FilterState
}

type GraphOptions struct {
	ContextAdapters GraphContextAdaptersOptions
	DeltaStats      []astikit.DeltaStat
	Logger          astikit.StdLogger
	Metadata        Metadata
	Plugins         []Plugin
	// Only needed when there are plugins
	Worker *astikit.Worker
}

type GraphContextAdaptersOptions struct {
	Filter func(ctx context.Context, g *Graph, f Filter, name string) context.Context
	Graph  func(ctx context.Context, g *Graph) context.Context
	Plugin func(ctx context.Context, g *Graph, p Plugin) context.Context
}

func NewGraph(o GraphOptions) (g *Graph, err error) {
	// Create graph
	g = &Graph{
		c:        astikit.NewCloser(),
		complete: make(chan struct{}),
		ctx:      context.Background(),
		dss:      make([]astikit.DeltaStat, len(o.DeltaStats)),
		e:        astikit.NewEventManager(),
		id:       atomic.AddUint64(&graphCount, 1),
		l:        astikit.AdaptStdLogger(o.Logger),
		o:        o,
		ps:       make([]Plugin, len(o.Plugins)),
	}

	// Adapt context
	if g.o.ContextAdapters.Graph != nil {
		g.ctx = g.o.ContextAdapters.Graph(g.ctx, g)
	}

	// Copy stats
	copy(g.dss, o.DeltaStats)

	// Copy plugins
	copy(g.ps, o.Plugins)

	// Make sure to close the closer on error
	defer func() {
		if err != nil {
			g.c.Close() //nolint: errcheck
		}
	}()

	// Loop through plugins
	for idx, p := range g.ps {
		// Create context
		ctx := context.Background()
		if g.o.ContextAdapters.Plugin != nil {
			ctx = g.o.ContextAdapters.Plugin(ctx, g, p)
		}

		// Initialize plugin
		if err = p.Init(ctx, g.c.NewChild(), g); err != nil {
			err = fmt.Errorf("filtergraph: initializing plugin #%d failed: %w", idx, err)
			return
		}
	}

	// Make sure filters are released before plugins are closed
	g.c.Add(g.teardown)
	return
}

func (g *Graph) ID() uint64 {
	return g.id
}

func (g *Graph) String() string {
	if g.Metadata().Name != "" {
		return fmt.Sprintf("%s (graph_%d)", g.Metadata().Name, g.id)
	}
	return fmt.Sprintf("graph_%d", g.id)
}

func (g *Graph) DeltaStats() []astikit.DeltaStat {
	dst := make([]astikit.DeltaStat, len(g.dss))
	copy(dst, g.dss)
	return dst
}

func (g *Graph) Metadata() Metadata {
	return g.o.Metadata
}

func (g *Graph) Logger() astikit.CompleteLogger {
	return g.l
}

func (g *Graph) Context() context.Context {
	return g.ctx
}

func (g *Graph) Emit(n astikit.EventName, payload interface{}) {
	g.e.Emit(n, payload)
}

func (g *Graph) On(n astikit.EventName, h astikit.EventHandler) astikit.EventRemover {
	return g.e.On(n, h)
}

func (g *Graph) Close() error {
	return g.c.Close()
}

func (g *Graph) teardown() {
	// Stop
	if err := g.Stop(); err != nil {
		g.l.WarnC(g.ctx, fmt.Errorf("filtergraph: stopping graph failed: %w", err))
	}

	// Disconnect every pin
	fs := g.Filters()
	for _, f := range fs {
		g.disconnectFilter(f)
	}

	// Release filters in reverse order
	for idx := len(fs) - 1; idx >= 0; idx-- {
		g.removeFilter(fs[idx])
	}

	// Log
	g.l.InfoC(g.ctx, "filtergraph: graph is closed")

	// Emit
	g.Emit(EventNameGraphClosed, nil)
}

func (g *Graph) Filters() []Filter {
	g.m.Lock()
	defer g.m.Unlock()
	fs := make([]Filter, len(g.fs))
	copy(fs, g.fs)
	return fs
}

func (g *Graph) FindFilterByName(name string) (Filter, error) {
	for _, f := range g.Filters() {
		if f.QueryFilterInfo().Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("filtergraph: no filter named %s", name)
}

func (g *Graph) hasFilter(f Filter) bool {
	for _, v := range g.fs {
		if SameObject(v, f) {
			return true
		}
	}
	return false
}

// AddFilter retains the filter until it's removed or the graph is closed
func (g *Graph) AddFilter(f Filter, name string) error {
	// Lock
	g.m.Lock()

	// Filter has already been added
	if g.hasFilter(f) {
		g.m.Unlock()
		return fmt.Errorf("filtergraph: filter has already been added to %s", g)
	}

	// Name is already used
	if name != "" {
		for _, v := range g.fs {
			if v.QueryFilterInfo().Name == name {
				g.m.Unlock()
				return fmt.Errorf("filtergraph: name %s is already used in %s", name, g)
			}
		}
	}

	// Store filter
	f.Retain()
	g.fs = append(g.fs, f)
	g.m.Unlock()

	// Join graph
	if err := f.JoinGraph(g, name); err != nil {
		g.removeFilter(f)
		return fmt.Errorf("filtergraph: joining graph failed: %w", err)
	}

	// Log
	g.l.DebugC(g.ctx, fmt.Sprintf("filtergraph: %s added to %s", f, g))

	// Emit
	g.Emit(EventNameFilterAdded, f)
	return nil
}

// RemoveFilter stops the filter, disconnects its pins and releases it
func (g *Graph) RemoveFilter(f Filter) error {
	// Filter doesn't belong to graph
	g.m.Lock()
	ok := g.hasFilter(f)
	g.m.Unlock()
	if !ok {
		return fmt.Errorf("filtergraph: filter doesn't belong to %s", g)
	}

	// Stop
	if err := f.Stop(); err != nil {
		return fmt.Errorf("filtergraph: stopping filter failed: %w", err)
	}

	// Disconnect
	g.disconnectFilter(f)

	// Remove
	g.removeFilter(f)
	return nil
}

func (g *Graph) removeFilter(f Filter) {
	// Remove from slice
	g.m.Lock()
	var found bool
	for idx := 0; idx < len(g.fs); idx++ {
		if SameObject(g.fs[idx], f) {
			g.fs = append(g.fs[:idx], g.fs[idx+1:]...)
			found = true
			idx--
		}
	}
	g.m.Unlock()
	if !found {
		return
	}

	// Leave graph
	f.JoinGraph(nil, "") //nolint: errcheck

	// Emit
	g.Emit(EventNameFilterRemoved, f)

	// Release
	f.Release()
}

func (g *Graph) disconnectFilter(f Filter) {
	for _, p := range f.Pins() {
		if err := g.Disconnect(p); err != nil {
			g.l.WarnC(g.ctx, fmt.Errorf("filtergraph: disconnecting %s failed: %w", p.QueryID(), err))
		}
	}
}

// Connect connects an output pin to an input pin, letting them negotiate the media type
func (g *Graph) Connect(out, in Pin) error {
	return g.ConnectDirect(out, in, nil)
}

func (g *Graph) ConnectDirect(out, in Pin, mt *MediaType) error {
	// Invalid directions
	if out.QueryDirection() != PinDirectionOutput || in.QueryDirection() != PinDirectionInput {
		return fmt.Errorf("filtergraph: invalid pin directions: %w", ErrUnexpected)
	}

	// Connect
	if err := out.Connect(in, mt); err != nil {
		return fmt.Errorf("filtergraph: connecting %s to %s failed: %w", out.QueryID(), in.QueryID(), err)
	}

	// Emit
	cmt, _ := out.ConnectionMediaType()
	g.Emit(EventNamePinConnected, PinConnection{From: out, MediaType: cmt, To: in})
	return nil
}

// ConnectFilters connects the first pair of unconnected pins that agree on a media type
func (g *Graph) ConnectFilters(upstream, downstream Filter) error {
	var errs []error
	for _, out := range upstream.Pins() {
		// Invalid pin
		if out.QueryDirection() != PinDirectionOutput {
			continue
		} else if _, err := out.ConnectedTo(); err == nil {
			continue
		}

		for _, in := range downstream.Pins() {
			// Invalid pin
			if in.QueryDirection() != PinDirectionInput {
				continue
			} else if _, err := in.ConnectedTo(); err == nil {
				continue
			}

			// Connect
			err := g.Connect(out, in)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
	}
	return fmt.Errorf("filtergraph: connecting %s to %s failed: %w", upstream, downstream, errors.Join(append([]error{ErrNoAcceptableType}, errs...)...))
}

// Disconnect breaks both sides of the connection
func (g *Graph) Disconnect(p Pin) error {
	// Not connected
	peer, err := p.ConnectedTo()
	if err != nil {
		return nil
	}

	// Disconnect
	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("filtergraph: disconnecting %s failed: %w", p.QueryID(), err)
	}
	if err := peer.Disconnect(); err != nil {
		return fmt.Errorf("filtergraph: disconnecting %s failed: %w", peer.QueryID(), err)
	}

	// Emit
	g.Emit(EventNamePinDisconnected, PinConnection{From: p, To: peer})
	return nil
}

// sortedFilters returns filters from upstream to downstream. Filters involved in a cycle
// keep their insertion order.
func (g *Graph) sortedFilters() []Filter {
	// Index filters
	fs := g.Filters()
	idxs := make(map[Unknown]int, len(fs))
	for idx, f := range fs {
		idxs[Identity(f)] = idx
	}

	// Build edges
	edges := make([][]int, len(fs))
	indegrees := make([]int, len(fs))
	for idx, f := range fs {
		for _, p := range f.Pins() {
			if p.QueryDirection() != PinDirectionOutput {
				continue
			}
			peer, err := p.ConnectedTo()
			if err != nil {
				continue
			}
			j, ok := idxs[Identity(peer.QueryPinInfo().Filter)]
			if !ok {
				continue
			}
			edges[idx] = append(edges[idx], j)
			indegrees[j]++
		}
	}

	// Sort
	var queue []int
	for idx, d := range indegrees {
		if d == 0 {
			queue = append(queue, idx)
		}
	}
	done := make([]bool, len(fs))
	sorted := make([]Filter, 0, len(fs))
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		done[idx] = true
		sorted = append(sorted, fs[idx])
		for _, j := range edges[idx] {
			if indegrees[j]--; indegrees[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	for idx, f := range fs {
		if !done[idx] {
			sorted = append(sorted, f)
		}
	}
	return sorted
}

func isRenderer(f Filter) bool {
	var connected bool
	for _, p := range f.Pins() {
		if p.QueryDirection() == PinDirectionOutput {
			return false
		}
		if _, err := p.ConnectedTo(); err == nil {
			connected = true
		}
	}
	return connected
}

func (g *Graph) State() FilterState {
	g.m.Lock()
	defer g.m.Unlock()
	return g.s
}

// Start starts plugins and runs the graph
func (g *Graph) Start(ctx context.Context) error {
	// Start plugins
	if len(g.ps) > 0 {
		if g.o.Worker == nil {
			return errors.New("filtergraph: a worker is needed to start plugins")
		}
		for _, p := range g.ps {
			p.Start(ctx, g.o.Worker.NewTask)
		}
	}

	// Run
	return g.Run()
}

// Run switches filters to running, from downstream to upstream so that no filter produces
// samples for a filter that isn't ready yet
func (g *Graph) Run() error {
	return g.setState(FilterStateRunning)
}

func (g *Graph) Pause() error {
	return g.setState(FilterStatePaused)
}

// Stop switches filters to stopped, from upstream to downstream. Once it returns, no sample
// flows anymore.
func (g *Graph) Stop() error {
	return g.setState(FilterStateStopped)
}

func (g *Graph) setState(to FilterState) error {
	// Lock
	g.ms.Lock()
	defer g.ms.Unlock()

	// Nothing to do
	from := g.State()
	if from == to {
		return nil
	}

	// Reset completion
	fs := g.sortedFilters()
	if from == FilterStateStopped {
		g.resetCompletion(fs)
	}

	// Order filters
	if to != FilterStateStopped {
		for i, j := 0, len(fs)-1; i < j; i, j = i+1, j-1 {
			fs[i], fs[j] = fs[j], fs[i]
		}
	}

	// Loop through filters
	for _, f := range fs {
		var err error
		switch to {
		case FilterStatePaused:
			err = f.Pause()
		case FilterStateRunning:
			err = f.Run(0)
		default:
			err = f.Stop()
		}
		if err != nil {
			return fmt.Errorf("filtergraph: switching %s to %s failed: %w", f, to, err)
		}
	}

	// Update state
	g.m.Lock()
	g.s = to
	g.m.Unlock()

	// Log
	g.l.InfoC(g.ctx, fmt.Sprintf("filtergraph: %s is %s", g, to))

	// Emit
	g.Emit(EventNameGraphStateChanged, FilterStateChange{From: from, To: to})
	return nil
}

func (g *Graph) resetCompletion(fs []Filter) {
	g.m.Lock()
	defer g.m.Unlock()
	g.complete = make(chan struct{})
	g.completed = make(map[Unknown]bool)
	g.renderers = make(map[Unknown]bool)
	for _, f := range fs {
		if isRenderer(f) {
			g.renderers[Identity(f)] = true
		}
	}
	if len(g.renderers) == 0 {
		close(g.complete)
	}
}

// Notify is called by filters that joined the graph
func (g *Graph) Notify(code EventCode, f Filter) error {
	switch code {
	case EventCodeComplete:
		// Lock
		g.m.Lock()

		// Not a renderer or already completed
		i := Identity(f)
		if !g.renderers[i] || g.completed[i] {
			g.m.Unlock()
			return nil
		}

		// Update
		g.completed[i] = true
		complete := len(g.completed) == len(g.renderers)
		if complete {
			close(g.complete)
		}
		g.m.Unlock()

		// Log
		g.l.DebugC(g.ctx, fmt.Sprintf("filtergraph: %s completed", f))

		// Every renderer has completed
		if complete {
			g.l.InfoC(g.ctx, fmt.Sprintf("filtergraph: %s is complete", g))
			g.Emit(EventNameGraphComplete, nil)
		}
	case EventCodeErrorAbort:
		g.l.ErrorC(g.ctx, fmt.Sprintf("filtergraph: %s aborted", f))
	default:
		return fmt.Errorf("filtergraph: unknown event code %d: %w", code, ErrNotSupported)
	}
	return nil
}

// WaitForCompletion blocks until every renderer has received the end of stream
func (g *Graph) WaitForCompletion(ctx context.Context) error {
	g.m.Lock()
	c := g.complete
	g.m.Unlock()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
