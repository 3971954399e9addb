package filtergraph

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format blobs are little endian and laid out like their legacy counterparts

const (
	BitmapCompressionRGB  uint32 = 0
	BitmapCompressionYV12 uint32 = 0x32315659
)

const (
	WaveFormatTagMPEG uint16 = 0x0050
)

const (
	mpegAudioLayer2      uint16 = 2
	mpegAudioModeStereo  uint16 = 1
	mpegAudioModeMono    uint16 = 8
	sizeBitmapInfoHeader        = 40
	sizeMPEG1WaveFormat         = 22
)

type Rect struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
}

type BitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type VideoInfoHeader struct {
	Source          Rect
	Target          Rect
	BitRate         uint32
	BitErrorRate    uint32
	AvgTimePerFrame ReferenceTime
	Bitmap          BitmapInfoHeader
}

// NewVideoInfoHeader creates a header describing an uncompressed picture
func NewVideoInfoHeader(width, height int, bitCount uint16, compression uint32, avgTimePerFrame ReferenceTime) VideoInfoHeader {
	return VideoInfoHeader{
		AvgTimePerFrame: avgTimePerFrame,
		Bitmap: BitmapInfoHeader{
			BitCount:    bitCount,
			Compression: compression,
			Height:      int32(height),
			Planes:      1,
			Size:        sizeBitmapInfoHeader,
			SizeImage:   uint32(width * height * int(bitCount) / 8),
			Width:       int32(width),
		},
		Source: Rect{Right: int32(width), Bottom: int32(height)},
		Target: Rect{Right: int32(width), Bottom: int32(height)},
	}
}

func (h VideoInfoHeader) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("filtergraph: writing video info header failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *VideoInfoHeader) UnmarshalBinary(b []byte) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, h); err != nil {
		return fmt.Errorf("filtergraph: reading video info header failed: %w", err)
	}
	return nil
}

type MPEG1VideoInfo struct {
	Header         VideoInfoHeader
	SequenceHeader []byte
	StartTimeCode  uint32
}

func (i MPEG1VideoInfo) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, v := range []interface{}{i.Header, i.StartTimeCode, uint32(len(i.SequenceHeader)), i.SequenceHeader} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("filtergraph: writing mpeg1 video info failed: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (i *MPEG1VideoInfo) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	var l uint32
	for _, v := range []interface{}{&i.Header, &i.StartTimeCode, &l} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("filtergraph: reading mpeg1 video info failed: %w", err)
		}
	}
	if int(l) > r.Len() {
		return fmt.Errorf("filtergraph: sequence header size %d is out of bounds", l)
	}
	i.SequenceHeader = make([]byte, l)
	if _, err := r.Read(i.SequenceHeader); err != nil && l > 0 {
		return fmt.Errorf("filtergraph: reading sequence header failed: %w", err)
	}
	return nil
}

type WaveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	Size           uint16
}

// MPEG1WaveFormat is a wave format followed by the mpeg audio extension
type MPEG1WaveFormat struct {
	Wave         WaveFormatEx
	HeadLayer    uint16
	HeadBitrate  uint32
	HeadMode     uint16
	HeadModeExt  uint16
	HeadEmphasis uint16
	HeadFlags    uint16
	PTSLow       uint32
	PTSHigh      uint32
}

// NewMPEG1WaveFormat creates a layer 2 format
func NewMPEG1WaveFormat(sampleRate, channels, bitrate int) MPEG1WaveFormat {
	mode := mpegAudioModeStereo
	if channels == 1 {
		mode = mpegAudioModeMono
	}
	return MPEG1WaveFormat{
		HeadBitrate: uint32(bitrate),
		HeadLayer:   mpegAudioLayer2,
		HeadMode:    mode,
		HeadModeExt: 1,
		Wave: WaveFormatEx{
			AvgBytesPerSec: uint32(bitrate / 8),
			BlockAlign:     1,
			Channels:       uint16(channels),
			FormatTag:      WaveFormatTagMPEG,
			SamplesPerSec:  uint32(sampleRate),
			Size:           sizeMPEG1WaveFormat,
		},
	}
}

func (f MPEG1WaveFormat) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
		return nil, fmt.Errorf("filtergraph: writing mpeg1 wave format failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *MPEG1WaveFormat) UnmarshalBinary(b []byte) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, f); err != nil {
		return fmt.Errorf("filtergraph: reading mpeg1 wave format failed: %w", err)
	}
	return nil
}
