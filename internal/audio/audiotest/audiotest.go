// Package audiotest provides WAV fixtures and a stand-in ffmpeg binary for tests.
package audiotest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// SampleRate is the sample rate of generated fixtures, matching xTTS v2 output.
const SampleRate = 24000

const fakeFFmpegScript = `#!/bin/sh
in=""
while [ $# -gt 1 ]; do
  if [ "$1" = "-i" ]; then
    in="$2"
  fi
  shift
done
cp "$in" "$1"
`

const failingFFmpegScript = `#!/bin/sh
echo "encoder exploded" >&2
exit 1
`

// WAV returns a mono 16-bit PCM WAV file holding the given number of samples
// of a simple ramp.
func WAV(samples int) []byte {
	var buf bytes.Buffer

	dataSize := uint32(samples * 2)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(SampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)

	for i := range samples {
		_ = binary.Write(&buf, binary.LittleEndian, int16(i%1000))
	}

	return buf.Bytes()
}

// FakeFFmpeg writes a shell script that copies its -i input to the last
// argument and returns its path.
func FakeFFmpeg(t *testing.T) string {
	t.Helper()

	return writeScript(t, "ffmpeg", fakeFFmpegScript)
}

// FailingFFmpeg writes a shell script that always fails.
func FailingFFmpeg(t *testing.T) string {
	t.Helper()

	return writeScript(t, "ffmpeg-broken", failingFFmpegScript)
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-ins need a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), name)

	// #nosec G306 -- the script must be executable
	err := os.WriteFile(path, []byte(body), 0o700)
	if err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}

	return path
}
