package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Decoder  DecoderConfiguration  `yaml:"decoder"`
	Generate GenerateConfiguration `yaml:"generate"`
	Input    string                `yaml:"input"`
	Libav    LibavConfiguration    `yaml:"libav"`
	Output   OutputConfiguration   `yaml:"output"`
	Stats    StatsConfiguration    `yaml:"stats"`
	Verbose  bool                  `yaml:"verbose"`
}

type DecoderConfiguration struct {
	ThreadCount int `yaml:"thread_count"`
	// Pixel formats the video output accepts, in yv12, rgb24 and rgb32. Every format is
	// accepted when empty.
	PixelFormats []string `yaml:"pixel_formats"`
}

type GenerateConfiguration struct {
	AudioFrames int    `yaml:"audio_frames"`
	Height      int    `yaml:"height"`
	Path        string `yaml:"path"`
	VideoFrames int    `yaml:"video_frames"`
	Width       int    `yaml:"width"`
}

type LibavConfiguration struct {
	LogLevel string `yaml:"log_level"`
}

type OutputConfiguration struct {
	Audio string `yaml:"audio"`
	Video string `yaml:"video"`
}

type StatsConfiguration struct {
	// Stats are not logged when 0
	Period time.Duration `yaml:"period"`
}

func defaultConfiguration() Configuration {
	return Configuration{
		Generate: GenerateConfiguration{
			AudioFrames: 77,
			Height:      360,
			VideoFrames: 60,
			Width:       640,
		},
		Libav: LibavConfiguration{LogLevel: "error"},
	}
}

type flags struct {
	audioOutput    *string
	configPath     *string
	fs             *flag.FlagSet
	generateFrames *int
	generatePath   *string
	input          *string
	pixelFormats   *string
	statsPeriod    *time.Duration
	threadCount    *int
	verbose        *bool
	videoOutput    *string
}

func newFlags(fs *flag.FlagSet) *flags {
	return &flags{
		audioOutput:    fs.String("a", "", "raw audio output path"),
		configPath:     fs.String("c", "", "yaml configuration path"),
		fs:             fs,
		generateFrames: fs.Int("frames", 0, "number of video frames written by -generate"),
		generatePath:   fs.String("generate", "", "writes a synthetic stream to this path and exits"),
		input:          fs.String("i", "", "input path"),
		pixelFormats:   fs.String("pf", "", "comma separated pixel formats accepted by the video output"),
		statsPeriod:    fs.Duration("stats", 0, "stats logging period"),
		threadCount:    fs.Int("threads", 0, "decoder thread count"),
		verbose:        fs.Bool("v", false, "verbose"),
		videoOutput:    fs.String("o", "", "raw video output path"),
	}
}

// loadConfiguration reads the yaml file, if any, then applies flags that have been set
func loadConfiguration(f *flags) (c Configuration, err error) {
	// Default
	c = defaultConfiguration()

	// Yaml
	if *f.configPath != "" {
		var b []byte
		if b, err = os.ReadFile(*f.configPath); err != nil {
			err = fmt.Errorf("main: reading %s failed: %w", *f.configPath, err)
			return
		}
		if err = yaml.Unmarshal(b, &c); err != nil {
			err = fmt.Errorf("main: unmarshaling %s failed: %w", *f.configPath, err)
			return
		}
	}

	// Flags
	f.fs.Visit(func(v *flag.Flag) {
		switch v.Name {
		case "a":
			c.Output.Audio = *f.audioOutput
		case "frames":
			c.Generate.VideoFrames = *f.generateFrames
		case "generate":
			c.Generate.Path = *f.generatePath
		case "i":
			c.Input = *f.input
		case "o":
			c.Output.Video = *f.videoOutput
		case "pf":
			c.Decoder.PixelFormats = strings.Split(*f.pixelFormats, ",")
		case "stats":
			c.Stats.Period = *f.statsPeriod
		case "threads":
			c.Decoder.ThreadCount = *f.threadCount
		case "v":
			c.Verbose = *f.verbose
		}
	})

	// Validate
	if c.Input == "" && c.Generate.Path == "" {
		err = errors.New("main: no input provided")
		return
	}
	return
}

var pixelFormatSubtypes = map[string]uuid.UUID{
	"rgb24": filtergraph.MediaSubtypeRGB24,
	"rgb32": filtergraph.MediaSubtypeRGB32,
	"yv12":  filtergraph.MediaSubtypeYV12,
}

func (c DecoderConfiguration) subtypes() (ss []uuid.UUID, err error) {
	for _, v := range c.PixelFormats {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		s, ok := pixelFormatSubtypes[v]
		if !ok {
			return nil, fmt.Errorf("main: unknown pixel format %s", v)
		}
		ss = append(ss, s)
	}
	return
}
