package splitter

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/Alcaro/krkrwine/pkg/filtergraph/mocks"
	"github.com/Alcaro/krkrwine/pkg/mpeg1"
	"github.com/stretchr/testify/require"
)

var testSequenceHeader = mpeg1.SequenceHeader{
	AspectRatioCode: 1,
	BitRate:         0x3ffff,
	FrameRateCode:   5,
	Height:          360,
	VBVBufferSize:   20,
	Width:           640,
}

var testAudioHeader = mpeg1.AudioHeader{Bitrate: 192, Channels: 2, SampleRate: 44100}

var streamMediaType = filtergraph.MediaType{
	Major: filtergraph.MediaTypeStream,
	Sub:   filtergraph.MediaSubtypeMPEG1System,
}

// 30 pictures at 30 fps and 2 audio frames, one packet per unit
func generate(t *testing.T, o mpeg1.GenerateOptions) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, mpeg1.Generate(buf, o))
	return buf.Bytes()
}

func defaultStream(t *testing.T) []byte {
	return generate(t, mpeg1.GenerateOptions{
		AudioFrames:    2,
		AudioHeader:    testAudioHeader,
		PacketSize:     4096,
		SequenceHeader: testSequenceHeader,
		VideoFrames:    30,
	})
}

func newLoadedSplitter(t *testing.T, b []byte) (*Splitter, *mocks.MockedSource) {
	s := New(Options{})
	src := mocks.NewMockedSource(mocks.MockedSourceOptions{
		Data:       b,
		MediaTypes: []filtergraph.MediaType{streamMediaType},
	})
	require.NoError(t, src.Out.Connect(s.Input(), nil))
	return s, src
}

func waitEndOfStream(t *testing.T, ss ...*mocks.MockedSink) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range ss {
		require.NoError(t, s.WaitEndOfStream(ctx))
	}
}

func TestSplitterLoad(t *testing.T) {
	// Input must be a system stream
	s := New(Options{})
	defer s.Release()
	err := s.Input().ReceiveConnection(mocks.NewMockedSource(mocks.MockedSourceOptions{}).Out, filtergraph.MediaType{Major: filtergraph.MediaTypeVideo})
	require.ErrorIs(t, err, filtergraph.ErrTypeNotAccepted)

	// Input must expose an async reader
	src := mocks.NewMockedSource(mocks.MockedSourceOptions{NoReader: true})
	defer src.Release()
	require.ErrorIs(t, s.Input().ReceiveConnection(src.Out, streamMediaType), filtergraph.ErrNotSupported)
	require.False(t, s.Input().IsConnected())

	// Nothing is loaded
	require.Equal(t, 0, s.Count())
	_, err = s.Info(0)
	require.ErrorIs(t, err, filtergraph.ErrUnexpected)
	require.ErrorIs(t, s.Enable(0, filtergraph.StreamSelectFlagEnable), filtergraph.ErrUnexpected)
	require.ErrorIs(t, s.Video().Connect(mocks.NewMockedSink(nil).In, nil), filtergraph.ErrNoAcceptableType)

	// Load
	src = mocks.NewMockedSource(mocks.MockedSourceOptions{
		Data:       defaultStream(t),
		MediaTypes: []filtergraph.MediaType{streamMediaType},
	})
	defer src.Release()
	require.NoError(t, src.Out.Connect(s.Input(), nil))
	p, err := s.Input().ConnectedTo()
	require.NoError(t, err)
	require.True(t, filtergraph.SameObject(src.Out, p))

	// Streams
	require.Equal(t, 2, s.Count())
	i, err := s.Info(0)
	require.NoError(t, err)
	require.Equal(t, PinNameVideo, i.Name)
	require.Equal(t, 0, i.Group)
	require.True(t, i.Enabled)
	require.True(t, i.MediaType.Matches(filtergraph.MediaTypeVideo, filtergraph.MediaSubtypeMPEG1Packet))
	require.Equal(t, filtergraph.FormatTypeMPEGVideo, i.MediaType.FormatType)
	var vi filtergraph.MPEG1VideoInfo
	require.NoError(t, vi.UnmarshalBinary(i.MediaType.Format))
	require.Equal(t, int32(640), vi.Header.Bitmap.Width)
	require.Equal(t, int32(360), vi.Header.Bitmap.Height)
	require.Equal(t, filtergraph.ReferenceTime(333333), vi.Header.AvgTimePerFrame)
	sh, err := testSequenceHeader.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, sh, vi.SequenceHeader)

	i, err = s.Info(1)
	require.NoError(t, err)
	require.Equal(t, PinNameAudio, i.Name)
	require.Equal(t, 1, i.Group)
	require.True(t, i.MediaType.Matches(filtergraph.MediaTypeAudio, filtergraph.MediaSubtypeMPEG1AudioPayload))
	var wf filtergraph.MPEG1WaveFormat
	require.NoError(t, wf.UnmarshalBinary(i.MediaType.Format))
	require.Equal(t, uint32(44100), wf.Wave.SamplesPerSec)
	require.Equal(t, uint16(2), wf.Wave.Channels)
	require.Equal(t, uint32(192000), wf.HeadBitrate)

	_, err = s.Info(2)
	require.ErrorIs(t, err, filtergraph.ErrUnexpected)
	require.NoError(t, s.Enable(1, filtergraph.StreamSelectFlagEnable))
	require.ErrorIs(t, s.Enable(2, filtergraph.StreamSelectFlagEnable), filtergraph.ErrUnexpected)
	require.ErrorIs(t, s.Enable(-1, filtergraph.StreamSelectFlagEnable), filtergraph.ErrUnexpected)
	ss, err := filtergraph.QueryCapabilityAs[filtergraph.StreamSelect](s, filtergraph.CapabilityIDStreamSelect)
	require.NoError(t, err)
	require.Equal(t, 2, ss.Count())

	// Loading again fails
	require.NoError(t, s.Input().Disconnect())
	require.NoError(t, src.Out.Disconnect())
	require.ErrorIs(t, s.Input().ReceiveConnection(src.Out, streamMediaType), filtergraph.ErrUnexpected)

	// End of stream can't be sent to the input
	require.ErrorIs(t, s.Input().EndOfStream(), filtergraph.ErrUnexpected)
}

func TestSplitterVideoOnly(t *testing.T) {
	s, src := newLoadedSplitter(t, generate(t, mpeg1.GenerateOptions{
		SequenceHeader: testSequenceHeader,
		VideoFrames:    2,
	}))
	defer s.Release()
	defer src.Release()

	require.Equal(t, 1, s.Count())
	i, err := s.Info(0)
	require.NoError(t, err)
	require.Equal(t, PinNameVideo, i.Name)
	_, err = s.Info(1)
	require.Error(t, err)

	as := mocks.NewMockedSink(nil)
	defer as.Release()
	require.ErrorIs(t, s.Audio().Connect(as.In, nil), filtergraph.ErrNoAcceptableType)
	require.False(t, as.In.IsConnected())
}

func TestSplitterEndToEnd(t *testing.T) {
	s, src := newLoadedSplitter(t, defaultStream(t))
	defer s.Release()
	defer src.Release()

	vs := mocks.NewMockedSink(nil)
	defer vs.Release()
	require.NoError(t, s.Video().Connect(vs.In, nil))
	as := mocks.NewMockedSink(nil)
	defer as.Release()
	require.NoError(t, s.Audio().Connect(as.In, nil))

	// Nothing is delivered while stopped
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, vs.Samples())

	require.NoError(t, s.Run(0))
	waitEndOfStream(t, vs, as)

	// Video
	smps := vs.Samples()
	require.Len(t, smps, 30)
	var all []byte
	for idx, smp := range smps {
		require.Equal(t, idx == 0, smp.Discontinuity)
		require.False(t, smp.SyncPoint)
		require.NotNil(t, smp.PTS)
		require.Equal(t, filtergraph.ReferenceTimeFromSeconds(float64(idx)/30), *smp.PTS)
		require.NotNil(t, smp.Duration)
		require.Equal(t, filtergraph.ReferenceTime(333333), *smp.Duration)
		all = append(all, smp.Bytes...)
	}
	picture, err := mpeg1.GrayIntraPicture(640, 360, 0)
	require.NoError(t, err)
	require.Len(t, all, 12+8+30*len(picture))

	// Audio
	smps = as.Samples()
	require.GreaterOrEqual(t, len(smps), 2)
	require.True(t, smps[0].Discontinuity)
	require.Equal(t, filtergraph.ReferenceTime(0), *smps[0].PTS)
	require.Nil(t, smps[0].Duration)
	require.False(t, smps[1].Discontinuity)
	require.Equal(t, filtergraph.ReferenceTimeFromSeconds(2351.0/mpeg1.ClockRate), *smps[1].PTS)
	for _, smp := range smps {
		require.Len(t, smp.Bytes, testAudioHeader.FrameLength())
	}

	require.Equal(t, 1, vs.EndOfStreams())
	require.Equal(t, 1, as.EndOfStreams())
	require.NoError(t, s.Stop())
}

func TestSplitterStopDrain(t *testing.T) {
	s, src := newLoadedSplitter(t, defaultStream(t))
	defer s.Release()
	defer src.Release()

	// Sinks block on their first sample and fail if anything is received once stopped
	var stopped, late int32
	entered := make(chan struct{}, 2)
	unblock := make(chan struct{})
	newSink := func() *mocks.MockedSink {
		sink := mocks.NewMockedSink(nil)
		var first int32
		sink.OnReceive = func(smp *filtergraph.Sample) error {
			if atomic.LoadInt32(&stopped) == 1 {
				atomic.AddInt32(&late, 1)
			}
			if atomic.CompareAndSwapInt32(&first, 0, 1) {
				entered <- struct{}{}
				<-unblock
			}
			return nil
		}
		return sink
	}
	vs := newSink()
	defer vs.Release()
	require.NoError(t, s.Video().Connect(vs.In, nil))
	as := newSink()
	defer as.Release()
	require.NoError(t, s.Audio().Connect(as.In, nil))

	// Both workers are mid-packet
	require.NoError(t, s.Run(0))
	<-entered
	<-entered

	// Stop waits for both workers
	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Stop())
		atomic.StoreInt32(&stopped, 1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("stop returned while workers were active")
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)
	<-done

	// Nothing is delivered after stop
	nv, na := len(vs.Samples()), len(as.Samples())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&late))
	require.Equal(t, nv, len(vs.Samples()))
	require.Equal(t, na, len(as.Samples()))
	require.Equal(t, 0, vs.EndOfStreams())

	// Workers resume where they were
	atomic.StoreInt32(&stopped, 0)
	require.NoError(t, s.Pause())
	waitEndOfStream(t, vs, as)
	require.Len(t, vs.Samples(), 30)
	require.Len(t, as.Samples(), 2)
}

func TestSplitterCorruptAudio(t *testing.T) {
	// Build stream
	hb, err := testAudioHeader.MarshalBinary()
	require.NoError(t, err)
	frame := make([]byte, testAudioHeader.FrameLength())
	copy(frame, hb)
	buf := &bytes.Buffer{}
	w := mpeg1.NewWriter(buf, mpeg1.WriterOptions{})
	require.NoError(t, w.WritePackHeader(0))
	require.NoError(t, w.WriteSystemHeader(mpeg1.SystemHeader{AudioStreams: 1}))
	for _, p := range []mpeg1.Packet{
		{Data: frame, HasPTS: true, PTS: 0},
		{Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, HasPTS: true, PTS: 0.1},
		{Data: frame, HasPTS: true, PTS: 0.2},
	} {
		p.StreamID = mpeg1.StreamIDAudio1
		require.NoError(t, w.WritePacket(p))
	}
	require.NoError(t, w.WriteEnd())

	s, src := newLoadedSplitter(t, buf.Bytes())
	defer s.Release()
	defer src.Release()
	as := mocks.NewMockedSink(nil)
	defer as.Release()
	require.NoError(t, s.Audio().Connect(as.In, nil))

	require.NoError(t, s.Run(0))
	waitEndOfStream(t, as)

	// Corrupt audio is dropped and the stream goes on
	smps := as.Samples()
	require.Len(t, smps, 2)
	require.Equal(t, filtergraph.ReferenceTime(0), *smps[0].PTS)
	require.Equal(t, filtergraph.ReferenceTime(2_000_000), *smps[1].PTS)
	require.Equal(t, frame, smps[1].Bytes)
	require.Equal(t, uint64(1), atomic.LoadUint64(&s.cs.droppedAudio))
}

func TestSplitterClose(t *testing.T) {
	s, src := newLoadedSplitter(t, defaultStream(t))
	defer src.Release()

	// Video sink never returns until the splitter is closing
	vs := mocks.NewMockedSink(nil)
	defer vs.Release()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	vs.OnReceive = func(smp *filtergraph.Sample) error {
		select {
		case <-entered:
		default:
			close(entered)
			<-unblock
		}
		return nil
	}
	require.NoError(t, s.Video().Connect(vs.In, nil))
	require.NoError(t, s.Run(0))
	<-entered

	// Closing waits for the workers
	done := make(chan struct{})
	go func() {
		s.Release()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("close returned while a worker was active")
	case <-time.After(50 * time.Millisecond):
	}
	close(unblock)
	<-done
	require.True(t, s.Destroyed())
	require.Equal(t, 0, vs.EndOfStreams())
}
