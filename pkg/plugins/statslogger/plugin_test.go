package statslogger

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filtergraph/mocks"
	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

func TestPlugin(t *testing.T) {
	l := astikit.NewMockedLogger()
	l.SkipFunc = func(msg string) (skip bool) { return !strings.HasPrefix(msg, "statslogger: ") }
	p := New(Options{})
	require.Equal(t, 5*time.Second, p.o.Period)
	require.Equal(t, "statslogger", p.Metadata().Name)
	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{
		DeltaStats: []astikit.DeltaStat{{
			Metadata: astikit.DeltaStatMetadata{Label: "Graph stat", Name: "graph.stat", Unit: "u"},
			Valuer:   astikit.DeltaStatValuerFunc(func(d time.Duration) interface{} { return 1.5 }),
		}},
		Logger:   l,
		Metadata: filtergraph.Metadata{Name: "g"},
		Plugins:  []filtergraph.Plugin{p},
	})
	require.NoError(t, err)
	defer g.Close()
	require.Len(t, p.stats, 1)

	// Filter stats are added with the filter
	s := mocks.NewMockedSink(nil)
	require.NoError(t, g.AddFilter(s, "sink"))
	s.Release()
	require.Len(t, p.stats, 3)

	p.onStats([]astikit.DeltaStatValue{
		{ID: 3, Value: float64(0)},
		{ID: 1, Value: 1.5},
		{ID: 2, Value: uint64(4)},
		{ID: 4, Value: 1},
	})
	require.Equal(t, []astikit.MockedLoggerItem{
		{
			Context:     p.ctx,
			LoggerLevel: astikit.LoggerLevelInfo,
			Message:     fmt.Sprintf("statslogger: %s: Graph stat: 1.50 u", g),
		},
		{
			Context:     p.ctx,
			LoggerLevel: astikit.LoggerLevelInfo,
			Message:     fmt.Sprintf("statslogger: %s: Incoming rate (in): 4 sps", s),
		},
		{
			Context:     p.ctx,
			LoggerLevel: astikit.LoggerLevelInfo,
			Message:     fmt.Sprintf("statslogger: %s: Incoming byte rate (in): 0.00 Bps", s),
		},
	}, l.Items)

	// Filter stats are removed with the filter
	require.NoError(t, g.RemoveFilter(s))
	require.Len(t, p.stats, 1)
	require.Len(t, p.ids, 1)
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "2", formatValue(2, ""))
	require.Equal(t, "0.33 fps", formatValue(float64(1)/3, "fps"))
	require.Equal(t, "cpu 12.50% process, 50.00% total, memory 1MiB resident / 2MiB used / 4MiB total", formatValue(filtergraph.DeltaStatHostUsageValue{
		CPU: filtergraph.DeltaStatHostCPUUsageValue{
			Process: astikit.Float64Ptr(12.5),
			Total:   50,
		},
		Memory: filtergraph.DeltaStatHostMemoryUsageValue{
			Resident: 1 << 20,
			Total:    4 << 20,
			Used:     2 << 20,
		},
	}, ""))
	require.Equal(t, "cpu 0.00% total, memory 0MiB resident / 0MiB used / 0MiB total", formatValue(filtergraph.DeltaStatHostUsageValue{}, ""))
	require.Equal(t, "Name", label(astikit.DeltaStatMetadata{Name: "Name"}))
}
