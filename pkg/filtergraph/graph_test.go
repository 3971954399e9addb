package filtergraph_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filtergraph/mocks"
	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

type testTransform struct {
	*testFilter
	in  *filtergraph.BasePin
	out *filtergraph.BasePin
}

func newTestTransform(name string) *testTransform {
	f := &testTransform{testFilter: newTestFilter(name)}
	f.in = f.NewPin(filtergraph.PinOptions{
		AcceptMediaType: func(mt filtergraph.MediaType) bool { return true },
		Direction:       filtergraph.PinDirectionInput,
		Name:            "in",
		OnEndOfStream:   func() error { return f.out.DeliverEndOfStream() },
		OnReceive:       func(s *filtergraph.Sample) error { return f.out.Deliver(s) },
	})
	f.out = f.NewPin(filtergraph.PinOptions{
		Direction:  filtergraph.PinDirectionOutput,
		MediaTypes: func() []filtergraph.MediaType { return []filtergraph.MediaType{testMediaTypeRGB24} },
		Name:       "out",
	})
	return f
}

func TestGraph(t *testing.T) {
	l := astikit.NewMockedLogger()
	// Only keep graph messages
	l.SkipFunc = func(msg string) (skip bool) {
		return !strings.HasPrefix(msg, "filtergraph: g (graph_") && msg != "filtergraph: graph is closed"
	}
	p := mocks.NewMockedPlugin()
	w := astikit.NewWorker(astikit.WorkerOptions{})
	defer w.Stop()
	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{
		ContextAdapters: filtergraph.GraphContextAdaptersOptions{
			Filter: func(ctx context.Context, g *filtergraph.Graph, f filtergraph.Filter, name string) context.Context {
				return context.WithValue(ctx, "filter", name) //nolint: staticcheck
			},
		},
		Logger:   l,
		Metadata: filtergraph.Metadata{Name: "g"},
		Plugins:  []filtergraph.Plugin{p},
		Worker:   w,
	})
	require.NoError(t, err)
	require.True(t, p.Initialized)
	require.Same(t, g, p.Graph)
	require.Regexp(t, `^g \(graph_\d+\)$`, g.String())
	events := astikit.NewEventInterceptor()
	events.Intercept(g, filtergraph.EventNameFilterAdded, filtergraph.EventNameGraphComplete, filtergraph.EventNameGraphClosed)

	src := mocks.NewMockedSource(mocks.MockedSourceOptions{MediaTypes: []filtergraph.MediaType{testMediaTypeRGB24}})
	defer src.Release()
	tr := newTestTransform("transform")
	defer tr.Release()
	sink := mocks.NewMockedSink(nil)
	defer sink.Release()

	// Filters are added in an order that doesn't match the topology
	require.NoError(t, g.AddFilter(sink, "sink"))
	require.Equal(t, uint32(2), sink.RefCount())
	require.Error(t, g.AddFilter(sink, "sink2"))
	require.Error(t, g.AddFilter(src, "sink"))
	require.NoError(t, g.AddFilter(src, "source"))
	require.NoError(t, g.AddFilter(tr, "transform"))
	require.Equal(t, "transform", tr.Context().Value("filter"))
	require.Same(t, g, tr.Graph())
	require.Same(t, g, tr.QueryFilterInfo().Graph)
	f, err := g.FindFilterByName("source")
	require.NoError(t, err)
	require.Same(t, src, f)
	_, err = g.FindFilterByName("invalid")
	require.Error(t, err)
	require.Len(t, events.Pool()[g], 3)
	events.Reset()

	require.ErrorIs(t, g.ConnectDirect(sink.In, src.Out, nil), filtergraph.ErrUnexpected)
	require.NoError(t, g.Connect(src.Out, tr.in))
	require.NoError(t, g.ConnectFilters(tr, sink))
	require.ErrorIs(t, g.ConnectFilters(tr, sink), filtergraph.ErrNoAcceptableType)

	// Run from downstream to upstream
	var mo sync.Mutex
	var order []string
	for _, v := range []*filtergraph.BaseFilter{src.BaseFilter, tr.BaseFilter, sink.BaseFilter} {
		name := v.QueryFilterInfo().Name
		v.On(filtergraph.EventNameFilterStateChanged, func(payload interface{}) (delete bool) {
			mo.Lock()
			defer mo.Unlock()
			order = append(order, name+":"+payload.(filtergraph.FilterStateChange).To.String())
			return
		})
	}
	require.NoError(t, g.Start(w.Context()))
	require.True(t, p.Started)
	require.Equal(t, filtergraph.FilterStateRunning, g.State())
	require.Equal(t, []string{"sink:running", "transform:running", "source:running"}, order)

	// Completion
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.WaitForCompletion(ctx), context.DeadlineExceeded)
	require.NoError(t, src.Out.DeliverEndOfStream())
	require.NoError(t, g.WaitForCompletion(context.Background()))
	require.Equal(t, 1, sink.EndOfStreams())
	require.Equal(t, []astikit.Event{{EventName: filtergraph.EventNameGraphComplete}}, events.Pool()[g])
	events.Reset()
	require.ErrorIs(t, g.Notify(filtergraph.EventCode(100), sink), filtergraph.ErrNotSupported)

	// Stop from upstream to downstream
	order = []string{}
	require.NoError(t, g.Stop())
	require.Equal(t, []string{"source:stopped", "transform:stopped", "sink:stopped"}, order)

	// Remove filter
	require.Error(t, g.RemoveFilter(newTestFilter("")))
	require.NoError(t, g.RemoveFilter(tr))
	require.Equal(t, uint32(1), tr.RefCount())
	_, err = tr.in.ConnectedTo()
	require.ErrorIs(t, err, filtergraph.ErrNotConnected)
	_, err = src.Out.ConnectedTo()
	require.ErrorIs(t, err, filtergraph.ErrNotConnected)
	require.Nil(t, tr.Graph())

	// Close
	require.NoError(t, g.Close())
	require.Equal(t, uint32(1), src.RefCount())
	require.Equal(t, uint32(1), sink.RefCount())
	require.Empty(t, g.Filters())
	require.Equal(t, []astikit.Event{{EventName: filtergraph.EventNameGraphClosed}}, events.Pool()[g])
	require.Equal(t, []astikit.MockedLoggerItem{
		{Context: g.Context(), LoggerLevel: astikit.LoggerLevelInfo, Message: "filtergraph: " + g.String() + " is running"},
		{Context: g.Context(), LoggerLevel: astikit.LoggerLevelInfo, Message: "filtergraph: " + g.String() + " is complete"},
		{Context: g.Context(), LoggerLevel: astikit.LoggerLevelInfo, Message: "filtergraph: " + g.String() + " is stopped"},
		{Context: g.Context(), LoggerLevel: astikit.LoggerLevelInfo, Message: "filtergraph: graph is closed"},
	}, l.Items)
}

func TestGraphPluginInitError(t *testing.T) {
	p := mocks.NewMockedPlugin()
	p.InitError = errors.New("test")
	_, err := filtergraph.NewGraph(filtergraph.GraphOptions{Plugins: []filtergraph.Plugin{p}})
	require.Error(t, err)
	require.True(t, p.Closer.IsClosed())

	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{Plugins: []filtergraph.Plugin{mocks.NewMockedPlugin()}})
	require.NoError(t, err)
	defer g.Close()
	require.Error(t, g.Start(context.Background()))
}

func TestGraphWithoutRenderer(t *testing.T) {
	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{})
	require.NoError(t, err)
	defer g.Close()
	f := newTestFilter("f")
	defer f.Release()
	require.NoError(t, g.AddFilter(f, ""))
	require.NoError(t, g.Pause())
	require.NoError(t, g.WaitForCompletion(context.Background()))
	require.NoError(t, g.Run())
	require.Equal(t, filtergraph.FilterStateRunning, f.State())
	f.err = errors.New("test")
	require.Error(t, g.Stop())
	require.Equal(t, filtergraph.FilterStateRunning, g.State())
	f.err = nil
}
