package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filters/sink"
	"github.com/Alcaro/krkrwine/pkg/filters/splitter"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

func asyncReader(t *testing.T, s *Source) filtergraph.AsyncReader {
	r, err := filtergraph.QueryCapabilityAs[filtergraph.AsyncReader](s.Output(), filtergraph.CapabilityIDAsyncReader)
	require.NoError(t, err)
	return r
}

func TestSourceReader(t *testing.T) {
	s, err := New(Options{Reader: bytes.NewReader([]byte{1, 2, 3, 4, 5})})
	require.NoError(t, err)
	defer s.Release()
	require.Equal(t, ClassID, s.ClassID())
	require.Equal(t, "source", s.QueryFilterInfo().Name)
	require.Equal(t, []filtergraph.MediaType{{
		Major: filtergraph.MediaTypeStream,
		Sub:   filtergraph.MediaSubtypeMPEG1System,
	}}, s.Output().EnumMediaTypes())

	r := asyncReader(t, s)
	total, available, err := r.Length()
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Equal(t, int64(5), available)

	b := make([]byte, 3)
	require.NoError(t, r.SyncRead(1, b))
	require.Equal(t, []byte{2, 3, 4}, b)
	require.NoError(t, r.SyncRead(2, b))
	require.Equal(t, []byte{3, 4, 5}, b)
	require.ErrorIs(t, r.SyncRead(3, b), io.ErrUnexpectedEOF)
	require.ErrorIs(t, r.SyncRead(-1, b), io.ErrUnexpectedEOF)
	require.Equal(t, []byte{3, 4, 5}, b)

	// Bytes that have been read are counted
	ss := s.DeltaStats()
	require.Len(t, ss, 1)
	require.Equal(t, DeltaStatNameReadBytes, ss[0].Metadata.Name)
	require.Equal(t, uint64(6), s.cs.readBytes)
}

type shortReader struct{}

func (shortReader) ReadAt(b []byte, off int64) (int, error) {
	return len(b) - 1, nil
}

func TestSourceOptions(t *testing.T) {
	// Missing reader and path
	_, err := New(Options{})
	require.Error(t, err)

	// Invalid size
	_, err = New(Options{Reader: shortReader{}, Size: -1})
	require.Error(t, err)

	// Custom media type and explicit size
	mt := filtergraph.MediaType{Major: filtergraph.MediaTypeStream, Sub: filtergraph.MediaSubtypeMPEG1Packet}
	s, err := New(Options{
		MediaType: &mt,
		Metadata:  filtergraph.Metadata{Name: "custom"},
		Reader:    shortReader{},
		Size:      10,
	})
	require.NoError(t, err)
	defer s.Release()
	require.Equal(t, "custom", s.QueryFilterInfo().Name)
	require.Equal(t, []filtergraph.MediaType{mt}, s.Output().EnumMediaTypes())
	total, _, err := asyncReader(t, s).Length()
	require.NoError(t, err)
	require.Equal(t, int64(10), total)

	// Short reads fail
	require.ErrorIs(t, asyncReader(t, s).SyncRead(0, make([]byte, 4)), io.ErrUnexpectedEOF)
}

func TestSourceFile(t *testing.T) {
	// Nonexistent file
	dir := t.TempDir()
	_, err := New(Options{Path: filepath.Join(dir, "nonexistent.mpg")})
	require.ErrorIs(t, err, os.ErrNotExist)

	// Existing file
	p := filepath.Join(dir, "stream.mpg")
	require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0600))
	s, err := New(Options{Path: p})
	require.NoError(t, err)
	require.Equal(t, p, s.QueryFilterInfo().Name)
	r := asyncReader(t, s)
	total, _, err := r.Length()
	require.NoError(t, err)
	require.Equal(t, int64(10), total)
	b := make([]byte, 4)
	require.NoError(t, r.SyncRead(6, b))
	require.Equal(t, []byte("6789"), b)

	// File is closed once the source is destroyed
	f := s.r.(*os.File)
	require.Equal(t, uint32(0), s.Release())
	_, err = f.Stat()
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestSourceGraph(t *testing.T) {
	// Create stream
	buf := &bytes.Buffer{}
	require.NoError(t, mpeg1.Generate(buf, mpeg1.GenerateOptions{
		AudioFrames: 3,
		AudioHeader: mpeg1.AudioHeader{Bitrate: 192, Channels: 2, SampleRate: 44100},
		PacketSize:  2048,
		SequenceHeader: mpeg1.SequenceHeader{
			AspectRatioCode: 1,
			BitRate:         0x3ffff,
			FrameRateCode:   5,
			Height:          64,
			VBVBufferSize:   20,
			Width:           96,
		},
		VideoFrames: 10,
	}))

	// Create graph
	l := astikit.NewMockedLogger()
	g, err := filtergraph.NewGraph(filtergraph.GraphOptions{Logger: l})
	require.NoError(t, err)
	defer g.Close()
	src, err := New(Options{Reader: bytes.NewReader(buf.Bytes())})
	require.NoError(t, err)
	require.NoError(t, g.AddFilter(src, "source"))
	src.Release()
	spl := splitter.New(splitter.Options{})
	require.NoError(t, g.AddFilter(spl, "splitter"))
	spl.Release()
	var videoSamples, audioSamples int
	vs := sink.New(sink.Options{OnSample: func(s *filtergraph.Sample) error {
		videoSamples++
		return nil
	}})
	require.NoError(t, g.AddFilter(vs, "video"))
	vs.Release()
	as := sink.New(sink.Options{OnSample: func(s *filtergraph.Sample) error {
		audioSamples++
		return nil
	}})
	require.NoError(t, g.AddFilter(as, "audio"))
	as.Release()

	// Connect
	require.NoError(t, g.ConnectFilters(src, spl))
	require.NoError(t, g.Connect(spl.Video(), vs.Input()))
	require.NoError(t, g.Connect(spl.Audio(), as.Input()))
	mt, ok := vs.MediaType()
	require.True(t, ok)
	require.True(t, mt.Matches(filtergraph.MediaTypeVideo, filtergraph.MediaSubtypeMPEG1Packet))
	mt, ok = as.MediaType()
	require.True(t, ok)
	require.True(t, mt.Matches(filtergraph.MediaTypeAudio, filtergraph.MediaSubtypeMPEG1AudioPayload))

	// Run
	require.NoError(t, g.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.WaitForCompletion(ctx))
	require.True(t, vs.Ended())
	require.True(t, as.Ended())
	require.Equal(t, 10, videoSamples)
	require.GreaterOrEqual(t, audioSamples, 2)
	require.Greater(t, src.cs.readBytes, uint64(0))
	require.NoError(t, g.Stop())
}
