package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	defaultWorkers  = 2
)

// Log formats and file patterns.
const (
	outputFileFormat            = "chunk_%04d.%s"
	errFmtHealthCheckFailed     = "TTS API health check failed: %w"
	errFmtChunkFailed           = "chunk %d failed: %w"
	logFmtServiceHealthy        = "TTS API is healthy (engine %s), processing %d chunks"
	logFmtGeneratedAudio        = "Generated audio: %s (%s)"
	logFmtChunkProcessingFailed = "Failed to process chunk %d: %v"
	logFmtChunkProcessed        = "Processed chunk %d/%d"
)

// Errors returned by Batch.
var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
)

// Batch synthesizes many text chunks through a Client.
type Batch struct {
	client   *Client
	log      *logger.Logger
	workers  int
	template SynthesisRequest
}

// NewBatch creates a Batch that runs at most workers requests at once.
// Every chunk is sent with the language, speaker and format of template.
func NewBatch(client *Client, log *logger.Logger, workers int, template SynthesisRequest) *Batch {
	if workers <= 0 {
		workers = defaultWorkers
	}

	if template.Format == "" {
		template.Format = "wav"
	}

	return &Batch{
		client:   client,
		log:      log,
		workers:  workers,
		template: template,
	}
}

// ProcessChunks reads a JSON array of strings from chunksPath and writes
// chunk_0001.<fmt>, chunk_0002.<fmt>, ... into outputDir. A failed chunk does
// not stop the others; the first failure is returned once all are done.
func (b *Batch) ProcessChunks(ctx context.Context, chunksPath, outputDir string) error {
	if chunksPath == "" {
		return ErrChunksPathEmpty
	}

	if outputDir == "" {
		return ErrOutputDirEmpty
	}

	chunks, err := ReadChunksFile(chunksPath)
	if err != nil {
		return err
	}

	err = os.MkdirAll(outputDir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	health, err := b.client.Health(ctx)
	if err != nil {
		return fmt.Errorf(errFmtHealthCheckFailed, err)
	}

	b.log.Info(logFmtServiceHealthy, health.Engine, len(chunks))

	var (
		group errgroup.Group
		done  atomic.Int64
	)

	group.SetLimit(b.workers)

	for index, text := range chunks {
		group.Go(func() error {
			outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1, b.template.Format))

			chunkErr := b.ProcessSingleChunk(ctx, text, outputPath)
			if chunkErr != nil {
				b.log.Error(logFmtChunkProcessingFailed, index+1, chunkErr)

				return fmt.Errorf(errFmtChunkFailed, index+1, chunkErr)
			}

			b.log.Info(logFmtChunkProcessed, done.Add(1), len(chunks))

			return nil
		})
	}

	return group.Wait()
}

// ProcessSingleChunk synthesizes text and writes the audio to outputPath.
func (b *Batch) ProcessSingleChunk(ctx context.Context, text, outputPath string) error {
	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	req := b.template
	req.Text = text

	audioData, err := b.client.Synthesize(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to generate speech: %w", err)
	}

	err = WriteOutput(outputPath, audioData)
	if err != nil {
		return err
	}

	b.log.Info(logFmtGeneratedAudio, outputPath, humanize.Bytes(uint64(len(audioData))))

	return nil
}

// ReadChunksFile parses a JSON array of text chunks.
func ReadChunksFile(chunksPath string) ([]string, error) {
	// #nosec G304 -- the chunks path is chosen by the CLI user
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, chunksPath)
	}

	return chunks, nil
}

// WriteOutput writes audio data to path, creating its directory.
func WriteOutput(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	return nil
}
