package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) *flags {
	fs := flag.NewFlagSet("krkrplay", flag.ContinueOnError)
	f := newFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f
}

func TestLoadConfiguration(t *testing.T) {
	// No input
	_, err := loadConfiguration(parseFlags(t))
	require.Error(t, err)

	// Flags only
	c, err := loadConfiguration(parseFlags(t, "-i", "in.mpg", "-o", "video.raw", "-pf", "rgb24, yv12", "-threads", "2"))
	require.NoError(t, err)
	e := defaultConfiguration()
	e.Decoder = DecoderConfiguration{PixelFormats: []string{"rgb24", " yv12"}, ThreadCount: 2}
	e.Input = "in.mpg"
	e.Output.Video = "video.raw"
	require.Equal(t, e, c)

	// Yaml overridden by flags
	p := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(`input: yaml.mpg
output:
  audio: audio.raw
  video: video.raw
stats:
  period: 2s
libav:
  log_level: info
verbose: true
`), 0600))
	c, err = loadConfiguration(parseFlags(t, "-c", p, "-o", "flag.raw"))
	require.NoError(t, err)
	require.Equal(t, "yaml.mpg", c.Input)
	require.Equal(t, OutputConfiguration{Audio: "audio.raw", Video: "flag.raw"}, c.Output)
	require.Equal(t, 2*time.Second, c.Stats.Period)
	require.Equal(t, "info", c.Libav.LogLevel)
	require.True(t, c.Verbose)
	require.Equal(t, defaultConfiguration().Generate, c.Generate)

	// Generate doesn't need an input
	c, err = loadConfiguration(parseFlags(t, "-generate", "out.mpg", "-frames", "5"))
	require.NoError(t, err)
	require.Equal(t, "out.mpg", c.Generate.Path)
	require.Equal(t, 5, c.Generate.VideoFrames)

	// Invalid yaml
	require.NoError(t, os.WriteFile(p, []byte("input: ["), 0600))
	_, err = loadConfiguration(parseFlags(t, "-c", p))
	require.Error(t, err)

	// Missing yaml
	_, err = loadConfiguration(parseFlags(t, "-c", filepath.Join(t.TempDir(), "missing.yml")))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecoderConfigurationSubtypes(t *testing.T) {
	ss, err := DecoderConfiguration{}.subtypes()
	require.NoError(t, err)
	require.Empty(t, ss)

	ss, err = DecoderConfiguration{PixelFormats: []string{"RGB32", " yv12", ""}}.subtypes()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{filtergraph.MediaSubtypeRGB32, filtergraph.MediaSubtypeYV12}, ss)

	_, err = DecoderConfiguration{PixelFormats: []string{"nv12"}}.subtypes()
	require.Error(t, err)
}
