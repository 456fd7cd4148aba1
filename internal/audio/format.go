// Package audio provides output formats, WAV validation and format conversion
// for generated speech.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/tts-api/internal/core"
)

// Format represents a supported output format.
type Format string

// Supported output formats.
const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// WAV header layout.
const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	minFmtChunkSize = 16
)

// Errors describing malformed WAV data.
var (
	ErrWAVTooShort   = errors.New("wav data too short")
	ErrWAVNoRIFF     = errors.New("wav data missing RIFF header")
	ErrWAVNoWAVE     = errors.New("wav data missing WAVE identifier")
	ErrWAVNoData     = errors.New("wav data missing data chunk")
	ErrWAVEmptyAudio = errors.New("wav data chunk is empty")
)

// ParseFormat normalizes a requested output format. An empty value yields
// fallback.
func ParseFormat(value string, fallback Format) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback, nil
	}

	switch Format(normalized) {
	case FormatWAV, FormatMP3:
		return Format(normalized), nil
	default:
		return "", fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, value)
	}
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type used in HTTP responses.
func (f Format) ContentType() string {
	return "audio/" + string(f)
}

// WAVInfo holds the format metadata of a RIFF/WAVE container.
type WAVInfo struct {
	DataOffset int
	DataSize   int
	SampleRate int
	Channels   int
}

// ParseWAV walks the RIFF chunks of wav and returns its format metadata. It
// fails unless a non-empty data chunk is present.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < riffHeaderSize {
		return WAVInfo{}, ErrWAVTooShort
	}

	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, ErrWAVNoRIFF
	}

	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, ErrWAVNoWAVE
	}

	var info WAVInfo

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + chunkHeaderSize

		switch chunkID {
		case "fmt ":
			if chunkSize >= minFmtChunkSize && body+minFmtChunkSize <= len(wav) {
				info.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			}
		case "data":
			info.DataOffset = body
			// Streaming writers leave the size at zero or oversize it.
			info.DataSize = min(chunkSize, len(wav)-body)
			if chunkSize == 0 {
				info.DataSize = len(wav) - body
			}

			if info.DataSize <= 0 {
				return info, ErrWAVEmptyAudio
			}

			return info, nil
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	return WAVInfo{}, ErrWAVNoData
}
