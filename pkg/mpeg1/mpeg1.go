// Package mpeg1 reads and writes MPEG-1 system streams and the parts of their elementary
// streams needed to describe them: video sequence headers, picture boundaries and MPEG audio
// layer II frame headers.
package mpeg1

import "errors"

// Start codes are preceded by the 0x000001 prefix
const (
	StartCodePicture        byte = 0x00
	StartCodeSliceFirst     byte = 0x01
	StartCodeSliceLast      byte = 0xaf
	StartCodeSequenceHeader byte = 0xb3
	StartCodeSequenceEnd    byte = 0xb7
	StartCodeGOP            byte = 0xb8
	StartCodeEnd            byte = 0xb9
	StartCodePack           byte = 0xba
	StartCodeSystemHeader   byte = 0xbb
)

const (
	StreamIDPrivate1 byte = 0xbd
	StreamIDPadding  byte = 0xbe
	StreamIDPrivate2 byte = 0xbf
	StreamIDAudio1   byte = 0xc0
	StreamIDVideo1   byte = 0xe0
)

// ClockRate is the frequency of system clock references and presentation timestamps
const ClockRate = 90000

var (
	ErrInvalidSequenceHeader = errors.New("mpeg1: invalid sequence header")
	ErrInvalidAudioHeader    = errors.New("mpeg1: invalid audio header")
)

func isAudioStreamID(id byte) bool {
	return id >= 0xc0 && id <= 0xdf
}

func isVideoStreamID(id byte) bool {
	return id >= 0xe0 && id <= 0xef
}

// findStartCode returns the position of the next 0x000001 prefix at or after offset, or -1
func findStartCode(b []byte, offset int) int {
	for i := offset; i+2 < len(b); i++ {
		if b[i+2] > 1 {
			i += 2
			continue
		}
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			return i
		}
	}
	return -1
}
