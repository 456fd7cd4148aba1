package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/audio/audiotest"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    audio.Format
		wantErr bool
	}{
		{name: "empty uses fallback", input: "", want: audio.FormatMP3},
		{name: "wav", input: "wav", want: audio.FormatWAV},
		{name: "upper case mp3", input: " MP3 ", want: audio.FormatMP3},
		{name: "flac rejected", input: "flac", wantErr: true},
		{name: "path-like rejected", input: "../wav", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := audio.ParseFormat(testCase.input, audio.FormatMP3)
			if testCase.wantErr {
				require.ErrorIs(t, err, core.ErrUnsupportedFormat)
				require.ErrorIs(t, err, core.ErrInvalidRequest)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestFormatMetadata(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".mp3", audio.FormatMP3.Extension())
	assert.Equal(t, "audio/wav", audio.FormatWAV.ContentType())
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	wav := audiotest.WAV(100)

	info, err := audio.ParseWAV(wav)
	require.NoError(t, err)

	assert.Equal(t, audiotest.SampleRate, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 44, info.DataOffset)
	assert.Equal(t, 200, info.DataSize)
}

func TestParseWAV_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "too short", data: []byte("RIFF"), want: audio.ErrWAVTooShort},
		{name: "not riff", data: []byte("ID3\x04\x00\x00\x00\x00\x00\x00\x00\x00\x00"), want: audio.ErrWAVNoRIFF},
		{name: "not wave", data: []byte("RIFF\x00\x00\x00\x00AVI LIST"), want: audio.ErrWAVNoWAVE},
		{name: "no data chunk", data: audiotest.WAV(10)[:36], want: audio.ErrWAVNoData},
		{name: "empty data chunk", data: audiotest.WAV(0), want: audio.ErrWAVEmptyAudio},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := audio.ParseWAV(testCase.data)
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func writeWAV(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tts_test.wav")
	require.NoError(t, os.WriteFile(path, audiotest.WAV(50), 0o600))

	return path
}

func TestConverter_WAVIsNoOp(t *testing.T) {
	t.Parallel()

	input := writeWAV(t)
	converter := audio.NewConverter("definitely-not-installed-ffmpeg")

	output, err := converter.Convert(context.Background(), input, audio.FormatWAV)
	require.NoError(t, err)
	assert.Equal(t, input, output)
	assert.FileExists(t, input)
}

func TestConverter_MP3(t *testing.T) {
	t.Parallel()

	input := writeWAV(t)
	converter := audio.NewConverter(audiotest.FakeFFmpeg(t))
	require.True(t, converter.Available())

	output, err := converter.Convert(context.Background(), input, audio.FormatMP3)
	require.NoError(t, err)

	assert.Equal(t, ".mp3", filepath.Ext(output))
	assert.FileExists(t, output)
	assert.NoFileExists(t, input, "source wav is removed after conversion")
}

func TestConverter_Failure(t *testing.T) {
	t.Parallel()

	input := writeWAV(t)
	converter := audio.NewConverter(audiotest.FailingFFmpeg(t))

	_, err := converter.Convert(context.Background(), input, audio.FormatMP3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoder exploded")
	assert.FileExists(t, input, "source wav is kept when conversion fails")
}

func TestConverter_MissingBinary(t *testing.T) {
	t.Parallel()

	input := writeWAV(t)
	converter := audio.NewConverter("definitely-not-installed-ffmpeg")
	assert.False(t, converter.Available())

	_, err := converter.Convert(context.Background(), input, audio.FormatMP3)
	require.ErrorIs(t, err, audio.ErrConverterMissing)
}
