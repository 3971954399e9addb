package filtergraph_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

func requireDeltaStats(t *testing.T, expected map[string]interface{}, ss []astikit.DeltaStat) {
	require.Len(t, ss, len(expected))
	for _, s := range ss {
		v, ok := expected[s.Metadata.Name]
		if !ok {
			require.Fail(t, fmt.Sprintf("delta stat %s shouldn't be here", s.Metadata.Name))
		}
		require.Equal(t, v, s.Valuer.Value(time.Second))
	}
}

func TestReferenceTime(t *testing.T) {
	require.Equal(t, filtergraph.ReferenceTime(0), filtergraph.ReferenceTimeFromSeconds(0))
	require.Equal(t, filtergraph.ReferenceTime(10_000_000), filtergraph.ReferenceTimeFromSeconds(1))
	require.Equal(t, filtergraph.ReferenceTime(333_333), filtergraph.ReferenceTimeFromSeconds(1.0/30))
	require.Equal(t, filtergraph.ReferenceTime(666_667), filtergraph.ReferenceTimeFromSeconds(2.0/30))
	require.Equal(t, filtergraph.ReferenceTime(-5), filtergraph.ReferenceTimeFromSeconds(-0.0000005))
	require.Equal(t, filtergraph.ReferenceTime(15), filtergraph.ReferenceTimeFromDuration(1500*time.Nanosecond))
	require.Equal(t, 1500*time.Nanosecond, filtergraph.ReferenceTime(15).Duration())
	require.Equal(t, 1.5, filtergraph.ReferenceTime(15_000_000).Seconds())
}

func TestMediaType(t *testing.T) {
	mt1 := filtergraph.MediaType{
		Format:     []byte{1, 2},
		FormatType: filtergraph.FormatTypeVideoInfo,
		Major:      filtergraph.MediaTypeVideo,
		Sub:        filtergraph.MediaSubtypeRGB24,
	}
	mt2 := mt1.Copy()
	require.True(t, mt1.Equal(mt2))
	mt2.Format[0] = 3
	require.Equal(t, byte(1), mt1.Format[0])
	require.False(t, mt1.Equal(mt2))
	require.True(t, mt1.Matches(filtergraph.MediaTypeVideo))
	require.True(t, mt1.Matches(filtergraph.MediaTypeVideo, filtergraph.MediaSubtypeYV12, filtergraph.MediaSubtypeRGB24))
	require.False(t, mt1.Matches(filtergraph.MediaTypeVideo, filtergraph.MediaSubtypeYV12))
	require.False(t, mt1.Matches(filtergraph.MediaTypeAudio))
	require.Equal(t, "video/rgb24 (video_info)", mt1.String())
}

func TestFormats(t *testing.T) {
	vih := filtergraph.NewVideoInfoHeader(640, 360, 12, filtergraph.BitmapCompressionYV12, 333_333)
	require.Equal(t, uint32(345_600), vih.Bitmap.SizeImage)
	b, err := vih.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 88)
	var vih2 filtergraph.VideoInfoHeader
	require.NoError(t, vih2.UnmarshalBinary(b))
	require.Equal(t, vih, vih2)
	require.Error(t, vih2.UnmarshalBinary(b[:10]))

	mvi := filtergraph.MPEG1VideoInfo{
		Header:         filtergraph.NewVideoInfoHeader(640, 360, 0, 0, 333_333),
		SequenceHeader: []byte{0, 0, 1, 0xb3, 0x28, 0x01, 0x68, 0x15},
	}
	b, err = mvi.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 88+4+4+8)
	var mvi2 filtergraph.MPEG1VideoInfo
	require.NoError(t, mvi2.UnmarshalBinary(b))
	require.Equal(t, mvi, mvi2)
	require.Error(t, mvi2.UnmarshalBinary(b[:95]))

	wf := filtergraph.NewMPEG1WaveFormat(44100, 2, 192000)
	b, err = wf.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 40)
	require.Equal(t, []byte{0x50, 0x00, 0x02, 0x00, 0x44, 0xac, 0x00, 0x00}, b[:8])
	var wf2 filtergraph.MPEG1WaveFormat
	require.NoError(t, wf2.UnmarshalBinary(b))
	require.Equal(t, wf, wf2)
}
