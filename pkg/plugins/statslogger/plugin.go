// Package statslogger provides a graph plugin periodically logging the stats of the graph and of
// its filters
package statslogger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
)

var _ filtergraph.Plugin = (*Plugin)(nil)

type Plugin struct {
	ctx   context.Context
	ds    *astikit.DeltaStater
	g     *filtergraph.Graph
	ids   map[interface{}][]uint64
	m     sync.Mutex // Locks ids and stats
	o     Options
	stats map[uint64]stat
}

type stat struct {
	metadata astikit.DeltaStatMetadata
	owner    string
}

type Options struct {
	// Defaults to 5s
	Period time.Duration
}

func New(o Options) *Plugin {
	if o.Period <= 0 {
		o.Period = 5 * time.Second
	}
	return &Plugin{
		ids:   make(map[interface{}][]uint64),
		o:     o,
		stats: make(map[uint64]stat),
	}
}

func (p *Plugin) Metadata() filtergraph.Metadata {
	return filtergraph.Metadata{Name: "statslogger"}
}

func (p *Plugin) Init(ctx context.Context, c *astikit.Closer, g *filtergraph.Graph) error {
	// Store
	p.ctx = ctx
	p.g = g

	// Create delta stater
	p.ds = astikit.NewDeltaStater(astikit.DeltaStaterOptions{
		OnStats: p.onStats,
		Period:  p.o.Period,
	})
	c.Add(p.ds.Stop)

	// Add graph stats
	p.add(g, g.String(), g.DeltaStats())

	// Add filter stats
	for _, f := range g.Filters() {
		p.addFilter(f)
	}

	// Listen to graph
	g.On(filtergraph.EventNameFilterAdded, func(payload interface{}) (delete bool) {
		if f, ok := payload.(filtergraph.Filter); ok {
			p.addFilter(f)
		}
		return
	})
	g.On(filtergraph.EventNameFilterRemoved, func(payload interface{}) (delete bool) {
		if f, ok := payload.(filtergraph.Filter); ok {
			p.remove(f)
		}
		return
	})
	return nil
}

func (p *Plugin) Start(ctx context.Context, tc astikit.TaskCreator) {
	tc().Do(func() {
		p.ds.Start(ctx)
	})
}

func (p *Plugin) addFilter(f filtergraph.Filter) {
	v, ok := f.(filtergraph.DeltaStater)
	if !ok {
		return
	}
	p.add(filtergraph.Identity(f), fmt.Sprint(f), v.DeltaStats())
}

// add stores ids under key so that they can be removed together
func (p *Plugin) add(key interface{}, owner string, dss []astikit.DeltaStat) {
	p.m.Lock()
	defer p.m.Unlock()
	for _, ds := range dss {
		id := p.ds.Add(ds.Valuer)
		p.ids[key] = append(p.ids[key], id)
		p.stats[id] = stat{
			metadata: ds.Metadata,
			owner:    owner,
		}
	}
}

func (p *Plugin) remove(u filtergraph.Unknown) {
	p.m.Lock()
	defer p.m.Unlock()
	i := filtergraph.Identity(u)
	ids := p.ids[i]
	if len(ids) == 0 {
		return
	}
	p.ds.Remove(ids...)
	for _, id := range ids {
		delete(p.stats, id)
	}
	delete(p.ids, i)
}

func (p *Plugin) onStats(vs []astikit.DeltaStatValue) {
	// Sort
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })

	// Loop through values
	p.m.Lock()
	var ss []string
	for _, v := range vs {
		s, ok := p.stats[v.ID]
		if !ok {
			continue
		}
		ss = append(ss, fmt.Sprintf("%s: %s: %s", s.owner, label(s.metadata), formatValue(v.Value, s.metadata.Unit)))
	}
	p.m.Unlock()

	// Log
	for _, s := range ss {
		p.g.Logger().InfoC(p.ctx, "statslogger: "+s)
	}
}

func label(m astikit.DeltaStatMetadata) string {
	if m.Label != "" {
		return m.Label
	}
	return m.Name
}

func formatValue(v interface{}, unit string) string {
	var s string
	switch v := v.(type) {
	case float64:
		s = fmt.Sprintf("%.2f", v)
	case filtergraph.DeltaStatHostUsageValue:
		var process string
		if v.CPU.Process != nil {
			process = fmt.Sprintf("%.2f%% process, ", *v.CPU.Process)
		}
		s = fmt.Sprintf("cpu %s%.2f%% total, memory %dMiB resident / %dMiB used / %dMiB total",
			process, v.CPU.Total, v.Memory.Resident>>20, v.Memory.Used>>20, v.Memory.Total>>20)
	default:
		s = fmt.Sprintf("%v", v)
	}
	if unit != "" {
		s += " " + unit
	}
	return strings.TrimSpace(s)
}
