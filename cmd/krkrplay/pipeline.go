package main

import (
	"fmt"
	"os"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filters/sink"
	"github.com/Alcaro/krkrwine/pkg/filters/source"
	"github.com/Alcaro/krkrwine/pkg/filters/splitter"
	"github.com/Alcaro/krkrwine/pkg/filters/videodecoder"
	"github.com/asticode/go-astikit"
	"github.com/google/uuid"
)

const (
	audioDrainBuffered = 64
	videoDrainBuffered = 4
)

// pipeline is source -> splitter -> decoder -> video sink and splitter -> audio sink
type pipeline struct {
	audio  *sink.Sink
	c      *astikit.Closer
	drains []*drain
	video  *sink.Sink
}

type pipelineOptions struct {
	AudioOutput     string
	Input           string
	NewFrameDecoder videodecoder.NewFrameDecoderFunc
	VideoOutput     string
	// Every subtype is accepted when empty
	VideoSubtypes []uuid.UUID
}

func newPipeline(g *filtergraph.Graph, o pipelineOptions) (p *pipeline, err error) {
	// Create pipeline
	p = &pipeline{c: astikit.NewCloser()}

	// Make sure to close the pipeline on error
	defer func() {
		if err != nil {
			p.close() //nolint: errcheck
		}
	}()

	// Create source
	var src *source.Source
	if src, err = source.New(source.Options{Path: o.Input}); err != nil {
		err = fmt.Errorf("main: creating source failed: %w", err)
		return
	}
	if err = addFilter(g, src, "source"); err != nil {
		return
	}

	// Create splitter
	spl := splitter.New(splitter.Options{})
	if err = addFilter(g, spl, "splitter"); err != nil {
		return
	}

	// Connect source to splitter
	if err = g.ConnectFilters(src, spl); err != nil {
		err = fmt.Errorf("main: connecting source to splitter failed: %w", err)
		return
	}

	// Video
	if len(spl.Video().EnumMediaTypes()) > 0 {
		if err = p.addVideo(g, spl, o); err != nil {
			return
		}
	} else {
		g.Logger().WarnC(g.Context(), "main: input has no video stream")
	}

	// Audio
	if len(spl.Audio().EnumMediaTypes()) > 0 {
		if err = p.addAudio(g, spl, o); err != nil {
			return
		}
	} else {
		g.Logger().WarnC(g.Context(), "main: input has no audio stream")
	}
	return
}

func (p *pipeline) addVideo(g *filtergraph.Graph, spl *splitter.Splitter, o pipelineOptions) (err error) {
	// Create decoder
	var dec *videodecoder.Decoder
	if dec, err = videodecoder.New(videodecoder.Options{NewFrameDecoder: o.NewFrameDecoder}); err != nil {
		err = fmt.Errorf("main: creating video decoder failed: %w", err)
		return
	}
	if err = addFilter(g, dec, "video_decoder"); err != nil {
		return
	}

	// Create sink
	major := filtergraph.MediaTypeVideo
	so := sink.Options{
		Major: &major,
		OnConnect: func(mt filtergraph.MediaType) error {
			g.Logger().InfoC(g.Context(), fmt.Sprintf("main: video output is %s", mt))
			return nil
		},
		Subtypes: o.VideoSubtypes,
	}
	if so.OnSample, err = p.newDrain("video", o.VideoOutput, videoDrainBuffered); err != nil {
		return
	}
	p.video = sink.New(so)
	if err = addFilter(g, p.video, "video_sink"); err != nil {
		return
	}

	// Connect
	if err = g.Connect(spl.Video(), dec.Input()); err != nil {
		err = fmt.Errorf("main: connecting splitter to video decoder failed: %w", err)
		return
	}
	if err = g.Connect(dec.Output(), p.video.Input()); err != nil {
		err = fmt.Errorf("main: connecting video decoder to video sink failed: %w", err)
		return
	}
	return
}

func (p *pipeline) addAudio(g *filtergraph.Graph, spl *splitter.Splitter, o pipelineOptions) (err error) {
	// Create sink
	major := filtergraph.MediaTypeAudio
	so := sink.Options{Major: &major}
	if so.OnSample, err = p.newDrain("audio", o.AudioOutput, audioDrainBuffered); err != nil {
		return
	}
	p.audio = sink.New(so)
	if err = addFilter(g, p.audio, "audio_sink"); err != nil {
		return
	}

	// Connect
	if err = g.Connect(spl.Audio(), p.audio.Input()); err != nil {
		err = fmt.Errorf("main: connecting splitter to audio sink failed: %w", err)
		return
	}
	return
}

// newDrain returns nil when no output path is provided
func (p *pipeline) newDrain(name, path string, buffered int) (func(s *filtergraph.Sample) error, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("main: creating %s output failed: %w", name, err)
	}
	p.c.AddWithError(f.Close)
	d := newDrain(name, f, buffered)
	p.drains = append(p.drains, d)
	return d.onSample, nil
}

func (p *pipeline) closeDrains() {
	for _, d := range p.drains {
		d.close()
	}
}

func (p *pipeline) close() error {
	p.closeDrains()
	return p.c.Close()
}

// addFilter hands the filter over to the graph
func addFilter(g *filtergraph.Graph, f filtergraph.Filter, name string) error {
	defer f.Release()
	if err := g.AddFilter(f, name); err != nil {
		return fmt.Errorf("main: adding %s failed: %w", name, err)
	}
	return nil
}
