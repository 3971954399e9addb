// Command krkrplay plays an MPEG-1 system stream through a filter graph and writes the decoded
// video and the audio payload as raw files. It can also generate a synthetic stream.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	astiavgraph "github.com/Alcaro/krkrwine/pkg/libs/astiav"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/Alcaro/krkrwine/pkg/plugins/statslogger"
	"github.com/Alcaro/krkrwine/pkg/stats/psutil"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astilog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	f := newFlags(flag.CommandLine)
	flag.Parse()

	// Load configuration
	c, err := loadConfiguration(f)
	if err != nil {
		log.Println(err)
		log.Println("Usage: krkrplay [-c <config path>] -i <input path> [-o <video output path>] [-a <audio output path>]")
		log.Println("       krkrplay -generate <output path> [-frames <count>]")
		return
	}

	// Create logger
	lc := astilog.Configuration{AppName: "krkrplay"}
	if c.Verbose {
		lc.Level = astilog.LevelDebug
	}
	l := astilog.New(lc)

	// Generate
	if c.Generate.Path != "" {
		if err := generate(c.Generate); err != nil {
			l.Error(fmt.Errorf("main: generating failed: %w", err))
			return
		}
		l.Infof("main: %s has been generated", c.Generate.Path)
		return
	}

	// Play
	if err := play(c, l); err != nil {
		l.Error(fmt.Errorf("main: playing failed: %w", err))
		return
	}
}

var generatedSequenceHeader = mpeg1.SequenceHeader{
	AspectRatioCode: 1,
	BitRate:         0x3ffff,
	FrameRateCode:   5,
	VBVBufferSize:   20,
}

var generatedAudioHeader = mpeg1.AudioHeader{Bitrate: 192, Channels: 2, SampleRate: 44100}

func generate(c GenerateConfiguration) error {
	// Generate
	sh := generatedSequenceHeader
	sh.Height = c.Height
	sh.Width = c.Width
	buf := &bytes.Buffer{}
	if err := mpeg1.Generate(buf, mpeg1.GenerateOptions{
		AudioFrames:    c.AudioFrames,
		AudioHeader:    generatedAudioHeader,
		SequenceHeader: sh,
		VideoFrames:    c.VideoFrames,
	}); err != nil {
		return fmt.Errorf("main: generating stream failed: %w", err)
	}

	// Write
	if err := os.WriteFile(c.Path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("main: writing %s failed: %w", c.Path, err)
	}
	return nil
}

var libavLogLevels = map[string]astiav.LogLevel{
	"debug":   astiav.LogLevelDebug,
	"error":   astiav.LogLevelError,
	"fatal":   astiav.LogLevelFatal,
	"info":    astiav.LogLevelInfo,
	"panic":   astiav.LogLevelPanic,
	"quiet":   astiav.LogLevelQuiet,
	"verbose": astiav.LogLevelVerbose,
	"warning": astiav.LogLevelWarning,
}

func play(c Configuration, l astikit.StdLogger) (err error) {
	// Get video subtypes
	subtypes, err := c.Decoder.subtypes()
	if err != nil {
		return
	}

	// Get libav log level
	ll, ok := libavLogLevels[strings.ToLower(c.Libav.LogLevel)]
	if !ok {
		return fmt.Errorf("main: unknown libav log level %s", c.Libav.LogLevel)
	}

	// Create worker
	w := astikit.NewWorker(astikit.WorkerOptions{Logger: l})
	w.HandleSignals(astikit.TermSignalHandler(w.Stop))
	defer func() {
		w.Stop()
		w.Wait()
	}()

	// Create host usage stat
	hu, err := psutil.NewHostUsage()
	if err != nil {
		return fmt.Errorf("main: creating host usage stat failed: %w", err)
	}

	// Create decoder factory
	do := astiavgraph.DecoderOptions{ThreadCount: c.Decoder.ThreadCount}
	if do.ThreadCount > 1 {
		do.ThreadType = astiav.ThreadTypeFrame
	}
	df := astiavgraph.NewDecoderFactory(do)

	// Create plugins
	ps := []filtergraph.Plugin{
		astiavgraph.NewLogInterceptor(astiavgraph.LogInterceptorOptions{
			Level: ll,
			Merge: astiavgraph.LogInterceptorMergeOptions{
				AllowedCount: 5,
				Buffer:       10 * time.Second,
			},
		}),
	}
	if c.Stats.Period > 0 {
		ps = append(ps, statslogger.New(statslogger.Options{Period: c.Stats.Period}))
	}

	// Create graph
	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{
		ContextAdapters: filtergraph.GraphContextAdaptersOptions{
			Filter: func(ctx context.Context, g *filtergraph.Graph, f filtergraph.Filter, name string) context.Context {
				return astilog.ContextWithFields(ctx, map[string]interface{}{
					"filter": name,
					"graph":  g.String(),
				})
			},
			Graph: func(ctx context.Context, g *filtergraph.Graph) context.Context {
				return astilog.ContextWithFields(ctx, map[string]interface{}{
					"graph": g.String(),
				})
			},
			Plugin: func(ctx context.Context, g *filtergraph.Graph, p filtergraph.Plugin) context.Context {
				return astilog.ContextWithFields(ctx, map[string]interface{}{
					"graph":  g.String(),
					"plugin": p.Metadata().Name,
				})
			},
		},
		DeltaStats: append([]astikit.DeltaStat{hu}, df.DeltaStats()...),
		Logger:     l,
		Metadata:   filtergraph.Metadata{Name: "krkrplay"},
		Plugins:    ps,
		Worker:     w,
	})
	if err != nil {
		return fmt.Errorf("main: creating graph failed: %w", err)
	}
	defer g.Close()

	// Create pipeline
	p, err := newPipeline(g, pipelineOptions{
		AudioOutput:     c.Output.Audio,
		Input:           c.Input,
		NewFrameDecoder: df.New,
		VideoOutput:     c.Output.Video,
		VideoSubtypes:   subtypes,
	})
	if err != nil {
		return fmt.Errorf("main: creating pipeline failed: %w", err)
	}
	defer p.close() //nolint: errcheck

	// Drain sinks
	eg, ctx := errgroup.WithContext(w.Context())
	for _, d := range p.drains {
		eg.Go(func() error { return d.run(ctx) })
	}

	// Start graph
	if err = g.Start(w.Context()); err != nil {
		p.closeDrains()
		eg.Wait() //nolint: errcheck
		return fmt.Errorf("main: starting graph failed: %w", err)
	}

	// Wait for completion
	eg.Go(func() error {
		// No more samples reach the drains once the graph is stopped
		defer p.closeDrains()

		// Wait
		err := g.WaitForCompletion(ctx)

		// Stop
		if serr := g.Stop(); serr != nil && err == nil {
			err = fmt.Errorf("main: stopping graph failed: %w", serr)
		}
		return err
	})
	if err = eg.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && w.Context().Err() != nil {
			l.Print("main: playback has been interrupted")
			return nil
		}
		return
	}
	l.Print("main: playback is complete")
	return
}
