package filtergraph

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

var (
	MediaTypeAudio  = uuid.MustParse("73647561-0000-0010-8000-00aa00389b71")
	MediaTypeStream = uuid.MustParse("e436eb83-524f-11ce-9f53-0020af0ba770")
	MediaTypeVideo  = uuid.MustParse("73646976-0000-0010-8000-00aa00389b71")
)

var (
	MediaSubtypeMPEG1AudioPayload = uuid.MustParse("00000050-0000-0010-8000-00aa00389b71")
	MediaSubtypeMPEG1Packet       = uuid.MustParse("e436eb80-524f-11ce-9f53-0020af0ba770")
	MediaSubtypeMPEG1System       = uuid.MustParse("e436eb84-524f-11ce-9f53-0020af0ba770")
	MediaSubtypeRGB24             = uuid.MustParse("e436eb7d-524f-11ce-9f53-0020af0ba770")
	MediaSubtypeRGB32             = uuid.MustParse("e436eb7e-524f-11ce-9f53-0020af0ba770")
	MediaSubtypeYV12              = uuid.MustParse("32315659-0000-0010-8000-00aa00389b71")
)

var (
	FormatTypeMPEGVideo    = uuid.MustParse("05589f82-c356-11ce-bf01-00aa0055595a")
	FormatTypeNone         = uuid.MustParse("0f6417d6-c318-11d0-a43f-00a0c9223196")
	FormatTypeVideoInfo    = uuid.MustParse("05589f80-c356-11ce-bf01-00aa0055595a")
	FormatTypeWaveFormatEx = uuid.MustParse("05589f81-c356-11ce-bf01-00aa0055595a")
)

var mediaGUIDNames = map[uuid.UUID]string{
	MediaTypeAudio:                "audio",
	MediaTypeStream:               "stream",
	MediaTypeVideo:                "video",
	MediaSubtypeMPEG1AudioPayload: "mpeg1_audio_payload",
	MediaSubtypeMPEG1Packet:       "mpeg1_packet",
	MediaSubtypeMPEG1System:       "mpeg1_system",
	MediaSubtypeRGB24:             "rgb24",
	MediaSubtypeRGB32:             "rgb32",
	MediaSubtypeYV12:              "yv12",
	FormatTypeMPEGVideo:           "mpeg_video",
	FormatTypeNone:                "none",
	FormatTypeVideoInfo:           "video_info",
	FormatTypeWaveFormatEx:        "wave_format_ex",
}

func guidName(id uuid.UUID) string {
	if n, ok := mediaGUIDNames[id]; ok {
		return n
	}
	return id.String()
}

// MediaType describes the data flowing through a connection. Once a connection is agreed
// upon, only copies are handed out.
type MediaType struct {
	FixedSizeSamples    bool
	Format              []byte
	FormatType          uuid.UUID
	Major               uuid.UUID
	SampleSize          uint32
	Sub                 uuid.UUID
	TemporalCompression bool
}

func (mt MediaType) Copy() MediaType {
	if mt.Format != nil {
		mt.Format = bytes.Clone(mt.Format)
	}
	return mt
}

func (mt MediaType) Equal(i MediaType) bool {
	return mt.Major == i.Major && mt.Sub == i.Sub && mt.FormatType == i.FormatType &&
		bytes.Equal(mt.Format, i.Format)
}

// Matches returns whether the media type has the provided major type and, when not nil,
// one of the provided subtypes
func (mt MediaType) Matches(major uuid.UUID, subs ...uuid.UUID) bool {
	if mt.Major != major {
		return false
	}
	if len(subs) == 0 {
		return true
	}
	for _, s := range subs {
		if mt.Sub == s {
			return true
		}
	}
	return false
}

func (mt MediaType) String() string {
	return fmt.Sprintf("%s/%s (%s)", guidName(mt.Major), guidName(mt.Sub), guidName(mt.FormatType))
}
