package mpeg1

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func generate(t *testing.T, o GenerateOptions) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, Generate(buf, o))
	return buf.Bytes()
}

func TestDemuxer(t *testing.T) {
	b := generate(t, GenerateOptions{
		AudioFrames:    2,
		AudioHeader:    AudioHeader{Bitrate: 192, Channels: 2, SampleRate: 44100},
		SequenceHeader: testSequenceHeader,
		VideoFrames:    30,
	})

	d := NewDemuxer(b)
	require.Equal(t, 1, d.NumAudioStreams())
	require.Equal(t, 1, d.NumVideoStreams())

	var audio, video []*Packet
	vf := NewPictureFramer()
	var ps []Picture
	for {
		p, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch {
		case p.IsAudio():
			audio = append(audio, p)
		case p.IsVideo():
			video = append(video, p)
			ps = append(ps, vf.Write(p.Data, p.PTS, p.HasPTS)...)
		}
	}
	if p, ok := vf.Flush(); ok {
		ps = append(ps, p)
	}
	require.Equal(t, len(b), d.Offset())

	// Audio
	require.Len(t, audio, 2)
	require.Equal(t, StreamIDAudio1, audio[0].StreamID)
	require.True(t, audio[0].HasPTS)
	require.Equal(t, 0.0, audio[0].PTS)
	require.InDelta(t, 1152.0/44100, audio[1].PTS, 1.0/ClockRate)
	require.Len(t, audio[1].Data, 626)
	require.Equal(t, []byte{0xff, 0xfd, 0xa0, 0x00}, audio[1].Data[:4])

	// Video
	require.Len(t, ps, 30)
	for i, p := range ps {
		require.True(t, p.HasPTS)
		require.InDelta(t, float64(i)/30, p.PTS, 1.0/ClockRate)
	}
	sh, err := ParseSequenceHeader(ps[0].Data)
	require.NoError(t, err)
	require.Equal(t, 640, sh.Width)

	// Rewind
	d.Rewind()
	p, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, video[0], p)

	// Truncated buffer
	d = NewDemuxer(b[:len(b)/2])
	var n int
	for {
		if _, err = d.Next(); err != nil {
			break
		}
		n++
	}
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, n, len(audio)+len(video))
	require.Greater(t, n, 0)
}

func TestDemuxerPacketHeaders(t *testing.T) {
	b := []byte{
		// Garbage
		0x12, 0x34,
		// Padding packet
		0, 0, 1, 0xbe, 0, 2, 0xff, 0xff,
		// Stuffing, STD buffer, PTS and DTS
		0, 0, 1, 0xe0, 0, 16, 0xff, 0xff, 0x40, 0x10, 0x31, 0x00, 0x05, 0xbf, 0x21, 0x11, 0x00, 0x01, 0x00, 0x01, 0xaa, 0xbb,
		// Invalid timestamp flags
		0, 0, 1, 0xc0, 0, 2, 0x80, 0xcc,
		// No timestamp
		0, 0, 1, 0xc0, 0, 2, 0x0f, 0xdd,
		// Truncated
		0, 0, 1, 0xc0, 0, 10, 0x0f,
	}
	d := NewDemuxer(b)
	require.Equal(t, 0, d.NumAudioStreams())
	require.Equal(t, 0, d.NumVideoStreams())

	p, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, &Packet{
		Data:     []byte{0xaa, 0xbb},
		HasPTS:   true,
		PTS:      1,
		StreamID: StreamIDVideo1,
	}, p)

	p, err = d.Next()
	require.NoError(t, err)
	require.Equal(t, &Packet{Data: []byte{0xdd}, StreamID: StreamIDAudio1}, p)

	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf, WriterOptions{MuxRate: 1})
	require.NoError(t, w.WritePackHeader(1))
	require.Equal(t, []byte{0, 0, 1, 0xba, 0x21, 0x00, 0x05, 0xbf, 0x21, 0x80, 0x00, 0x03}, buf.Bytes())

	buf.Reset()
	require.NoError(t, w.WriteSystemHeader(SystemHeader{AudioStreams: 1, VideoStreams: 1}))
	require.Equal(t, []byte{
		0, 0, 1, 0xbb, 0, 12, 0x80, 0x00, 0x03, 0x04, 0xe1, 0xff,
		0xe0, 0xe0, 46,
		0xc0, 0xc0, 32,
	}, buf.Bytes())

	buf.Reset()
	require.NoError(t, w.WritePacket(Packet{Data: []byte{1}, StreamID: StreamIDAudio1}))
	require.NoError(t, w.WriteEnd())
	require.Equal(t, []byte{0, 0, 1, 0xc0, 0, 2, 0x0f, 1, 0, 0, 1, 0xb9}, buf.Bytes())

	require.Error(t, w.WritePacket(Packet{Data: make([]byte, 1<<16)}))
}
