package astiavgraph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
)

var _ filtergraph.Plugin = (*LogInterceptor)(nil)

// LogInterceptor routes libav logs to the graph logger. Logs emitted by a libav object
// used by a filter are written with the filter's context.
type LogInterceptor struct {
	c             *astikit.Closer
	ctx           context.Context
	g             *filtergraph.Graph
	items         map[string]*logInterceptorItem // Indexed by key
	mi            sync.Mutex                     // Locks items
	o             LogInterceptorOptions
	previousLevel *astiav.LogLevel
}

type logInterceptorItem struct {
	count     uint
	createdAt time.Time
	ctx       context.Context
	fmt       string
	key       string
	ll        astikit.LoggerLevel
	written   uint
}

type LogInterceptorOptions struct {
	Level astiav.LogLevel
	// When processed is false, the default mapping is used. When stop is true, the log is
	// dropped.
	LevelFunc func(l astiav.LogLevel) (ll astikit.LoggerLevel, processed, stop bool)
	Merge     LogInterceptorMergeOptions
}

// LogInterceptorMergeOptions makes identical formats only be written AllowedCount times per
// Buffer period. The number of dropped logs is written at the end of the period.
type LogInterceptorMergeOptions struct {
	AllowedCount uint
	Buffer       time.Duration
}

func NewLogInterceptor(o LogInterceptorOptions) *LogInterceptor {
	return &LogInterceptor{
		items: make(map[string]*logInterceptorItem),
		o:     o,
	}
}

func (li *LogInterceptor) Metadata() filtergraph.Metadata {
	return filtergraph.Metadata{Name: "astiavgraph.log_interceptor"}
}

func (li *LogInterceptor) Init(ctx context.Context, c *astikit.Closer, g *filtergraph.Graph) error {
	li.c = c
	li.ctx = ctx
	li.g = g
	return nil
}

func (li *LogInterceptor) Start(ctx context.Context, tc astikit.TaskCreator) {
	// Set log level
	ll := astiav.GetLogLevel()
	li.previousLevel = &ll
	astiav.SetLogLevel(li.o.Level)

	// Set log callback
	astiav.SetLogCallback(li.callback)

	// Make sure interceptor is closed properly
	li.c.Add(li.close)

	// Start merger
	if li.o.Merge.Buffer > 0 {
		tc().Do(func() {
			astikit.Tick(ctx, li.o.Merge.Buffer/10, li.tick)
		})
	}
}

func (li *LogInterceptor) close() {
	if li.previousLevel != nil {
		astiav.SetLogLevel(*li.previousLevel)
		li.previousLevel = nil
	}
	astiav.ResetLogCallback()
	li.purge()
}

func (li *LogInterceptor) callback(c astiav.Classer, level astiav.LogLevel, format, msg string) {
	// Process message
	if msg = strings.TrimSpace(msg); msg == "" {
		return
	}

	// Process format
	if format = strings.TrimSpace(format); format == "%s" {
		format = msg
	}

	// Process classer
	ctx := li.ctx
	if c != nil {
		if cl := c.Class(); cl != nil {
			msg += ": " + cl.String()
		}
		if v, ok := classers.get(c); ok {
			ctx = v
		}
	}

	// Get log level
	ll, ok := li.loggerLevel(level)
	if !ok {
		return
	}
	switch level {
	case astiav.LogLevelFatal:
		msg = "FATAL! " + msg
	case astiav.LogLevelPanic:
		msg = "PANIC! " + msg
	}

	// Write
	li.write(ctx, ll, "libav: "+format, "libav: "+msg)
}

func (li *LogInterceptor) loggerLevel(level astiav.LogLevel) (ll astikit.LoggerLevel, ok bool) {
	// Custom
	if li.o.LevelFunc != nil {
		var processed, stop bool
		if ll, processed, stop = li.o.LevelFunc(level); stop {
			return
		} else if processed {
			ok = true
			return
		}
	}

	// Default
	switch level {
	case astiav.LogLevelDebug, astiav.LogLevelVerbose:
		return astikit.LoggerLevelDebug, true
	case astiav.LogLevelInfo:
		return astikit.LoggerLevelInfo, true
	case astiav.LogLevelWarning:
		return astikit.LoggerLevelWarn, true
	case astiav.LogLevelError, astiav.LogLevelFatal, astiav.LogLevelPanic:
		return astikit.LoggerLevelError, true
	}
	return
}

func (li *LogInterceptor) write(ctx context.Context, ll astikit.LoggerLevel, format, msg string) {
	// Merge
	if li.o.Merge.Buffer > 0 && !li.addItem(ctx, ll, format) {
		return
	}

	// Write
	li.g.Logger().WriteC(ctx, ll, msg)
}

func (li *LogInterceptor) addItem(ctx context.Context, ll astikit.LoggerLevel, format string) (write bool) {
	// Lock
	li.mi.Lock()
	defer li.mi.Unlock()

	// Item exists
	key := ll.String() + ":" + format
	if i, ok := li.items[key]; ok {
		i.count++
		if write = li.o.Merge.AllowedCount > 0 && i.count <= li.o.Merge.AllowedCount; write {
			i.written++
		}
		return
	}

	// Create item
	li.items[key] = &logInterceptorItem{
		count:     1,
		createdAt: astikit.Now(),
		ctx:       ctx,
		fmt:       format,
		key:       key,
		ll:        ll,
		written:   1,
	}
	return true
}

func (li *LogInterceptor) tick(t time.Time) {
	// Lock
	li.mi.Lock()
	defer li.mi.Unlock()

	// Remove items whose period is over
	for _, i := range li.items {
		if t.Sub(i.createdAt) >= li.o.Merge.Buffer {
			li.removeItemUnlocked(i)
		}
	}
}

func (li *LogInterceptor) removeItemUnlocked(i *logInterceptorItem) {
	switch repeated := i.count - i.written; {
	case repeated > 1:
		li.g.Logger().WriteC(i.ctx, i.ll, fmt.Sprintf("astiavgraph: pattern repeated %d times: %s", repeated, i.fmt))
	case repeated == 1:
		li.g.Logger().WriteC(i.ctx, i.ll, "astiavgraph: pattern repeated once: "+i.fmt)
	}
	delete(li.items, i.key)
}

func (li *LogInterceptor) purge() {
	li.mi.Lock()
	defer li.mi.Unlock()
	for _, i := range li.items {
		li.removeItemUnlocked(i)
	}
}
