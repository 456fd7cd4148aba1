package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConvertTimeout = 60 * time.Second
	mp3Quality            = "2"
)

// ErrConverterMissing is returned when the ffmpeg binary cannot be found.
var ErrConverterMissing = errors.New("audio converter binary not found")

// Converter converts WAV files into other formats by running ffmpeg.
type Converter struct {
	binary  string
	timeout time.Duration
}

// NewConverter creates a Converter that runs the given ffmpeg binary.
func NewConverter(binary string) *Converter {
	if binary == "" {
		binary = "ffmpeg"
	}

	return &Converter{
		binary:  binary,
		timeout: defaultConvertTimeout,
	}
}

// Available reports whether the converter binary can be resolved.
func (c *Converter) Available() bool {
	_, err := exec.LookPath(c.binary)

	return err == nil
}

// Convert turns the WAV file at inputPath into format and returns the path of
// the new file. The source file is removed after a successful conversion.
// Converting to WAV returns inputPath untouched.
func (c *Converter) Convert(ctx context.Context, inputPath string, format Format) (string, error) {
	if format == FormatWAV {
		return inputPath, nil
	}

	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + format.Extension()

	err := c.run(ctx, inputPath, outputPath, format)
	if err != nil {
		_ = os.Remove(outputPath)

		return "", err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", fmt.Errorf("converted file missing: %w", err)
	}

	if info.Size() == 0 {
		_ = os.Remove(outputPath)

		return "", fmt.Errorf("converter produced an empty %s file", format)
	}

	err = os.Remove(inputPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return outputPath, fmt.Errorf("failed to remove source wav %s: %w", inputPath, err)
	}

	return outputPath, nil
}

func (c *Converter) run(ctx context.Context, inputPath, outputPath string, format Format) error {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConverterMissing, c.binary)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-loglevel", "error",
		"-i", inputPath,
	}

	if format == FormatMP3 {
		args = append(args, "-codec:a", "libmp3lame", "-q:a", mp3Quality)
	}

	args = append(args, outputPath)

	// #nosec G204 -- binary comes from configuration, paths are generated
	cmd := exec.CommandContext(ctx, path, args...)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("conversion to %s timed out: %w", format, ctx.Err())
		}

		return fmt.Errorf("conversion to %s failed: %w - output: %s", format, err, strings.TrimSpace(stderr.String()))
	}

	return nil
}
