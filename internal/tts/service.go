package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/book-expert/tts-api/internal/observe"
)

// Log message formats.
const (
	logFmtSynthesized    = "Synthesized %s artifact %s (%s) in %s"
	logFmtSynthFailed    = "Synthesis failed (%s): %v"
	logFmtMirrorFailed   = "Failed to mirror artifact %s: %v"
	logFmtMirrored       = "Mirrored artifact %s to object store"
	logFmtReferenceLeft  = "Failed to remove reference file %s: %v"
	logFmtDiscardPartial = "Failed to remove partial artifact %s: %v"
	logFmtUnmirrored     = "Removed expired artifact %s from object store"
	logFmtUnmirrorFailed = "Failed to remove expired artifact %s from object store: %v"
)

const mirrorDeleteTimeout = 10 * time.Second

// ErrEngineAudio is returned when the engine hands back audio that is not a
// usable WAV file.
var ErrEngineAudio = errors.New("engine returned invalid audio")

// Dependencies are the collaborators of a Service. Mirror and Metrics are
// optional.
type Dependencies struct {
	Engine    core.Engine
	Store     *artifact.Store
	Converter *audio.Converter
	Mirror    core.ObjectStore
	Metrics   *observe.Metrics
}

// Defaults are the values used for fields a request leaves empty.
type Defaults struct {
	Language string
	Format   audio.Format
	// ReferenceDir confines speaker_wav paths. Empty accepts any readable file.
	ReferenceDir string
}

// deleter is implemented by mirrors that can drop expired artifacts.
type deleter interface {
	Delete(ctx context.Context, key string) error
}

// Service validates synthesis requests, runs them through the engine and
// writes the result to the output directory.
type Service struct {
	deps     Dependencies
	defaults Defaults
	log      *logger.Logger
}

// NewService creates a Service. When the mirror supports deletion, artifacts
// swept from the output directory are removed from it as well.
func NewService(deps Dependencies, defaults Defaults, log *logger.Logger) *Service {
	s := &Service{
		deps:     deps,
		defaults: defaults,
		log:      log,
	}

	if mirror, ok := deps.Mirror.(deleter); ok && deps.Store != nil {
		deps.Store.OnExpire(func(name string) {
			s.unmirror(mirror, name)
		})
	}

	return s
}

// Engine returns the engine adapter.
func (s *Service) Engine() core.Engine {
	return s.deps.Engine
}

// Voices returns the engine's predefined voices.
func (s *Service) Voices(ctx context.Context) ([]string, error) {
	return s.deps.Engine.Voices(ctx)
}

// Languages returns the engine's supported languages.
func (s *Service) Languages() []string {
	return s.deps.Engine.Languages()
}

// Synthesize turns req into an audio artifact. A speaker_wav style
// reference path in req must name an existing file inside the reference
// directory, when one is configured.
func (s *Service) Synthesize(ctx context.Context, req core.SpeechRequest) (artifact.Artifact, error) {
	normalized, format, err := s.prepare(req)
	if err != nil {
		return artifact.Artifact{}, err
	}

	if normalized.IsClone() {
		normalized.ReferencePath, err = s.resolveReference(normalized.ReferencePath)
		if err != nil {
			return artifact.Artifact{}, err
		}
	}

	return s.synthesize(ctx, normalized, format)
}

// Clone synthesizes req with the voice of the uploaded reference recording.
// The upload is stored in the temp directory for the duration of the call.
func (s *Service) Clone(ctx context.Context, reference io.Reader, req core.SpeechRequest) (artifact.Artifact, error) {
	normalized, format, err := s.prepare(req)
	if err != nil {
		return artifact.Artifact{}, err
	}

	referencePath, err := s.deps.Store.SaveReference(reference)
	if err != nil {
		return artifact.Artifact{}, err
	}

	defer func() {
		removeErr := s.deps.Store.Remove(referencePath)
		if removeErr != nil {
			s.log.Warn(logFmtReferenceLeft, referencePath, removeErr)
		}
	}()

	normalized.ReferencePath = referencePath

	return s.synthesize(ctx, normalized, format)
}

func (s *Service) resolveReference(path string) (string, error) {
	if s.defaults.ReferenceDir == "" {
		return path, artifact.ValidateReference(path)
	}

	return artifact.ResolveReference(s.defaults.ReferenceDir, path)
}

// prepare applies defaults and rejects requests the engine cannot serve.
func (s *Service) prepare(req core.SpeechRequest) (core.SpeechRequest, audio.Format, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, "", core.ErrTextEmpty
	}

	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		req.Language = s.defaults.Language
	}

	if !slices.Contains(s.deps.Engine.Languages(), req.Language) {
		return req, "", fmt.Errorf("%w: %q (supported: %s)",
			core.ErrUnsupportedLanguage, req.Language, strings.Join(s.deps.Engine.Languages(), ", "))
	}

	format, err := audio.ParseFormat(req.Format, s.defaults.Format)
	if err != nil {
		return req, "", err
	}

	req.Format = string(format)
	req.Speaker = strings.TrimSpace(req.Speaker)

	return req, format, nil
}

func (s *Service) synthesize(ctx context.Context, req core.SpeechRequest, format audio.Format) (artifact.Artifact, error) {
	kind := observe.KindSpeech
	if req.IsClone() {
		kind = observe.KindClone
	}

	start := time.Now()

	result, err := s.produce(ctx, req, format)

	elapsed := time.Since(start)
	engineName := s.deps.Engine.Name()

	if err != nil {
		status := observe.StatusEngineFailed
		if errors.Is(err, core.ErrInvalidRequest) {
			status = observe.StatusClientError
		}

		s.deps.Metrics.RecordSynthesis(ctx, engineName, kind, status, elapsed)
		s.log.Warn(logFmtSynthFailed, kind, err)

		return artifact.Artifact{}, err
	}

	s.deps.Metrics.RecordSynthesis(ctx, engineName, kind, observe.StatusOK, elapsed)
	s.deps.Metrics.RecordArtifact(ctx, string(result.Format), result.Size)
	s.log.Info(logFmtSynthesized, kind, result.Name, result.HumanSize(), elapsed.Round(time.Millisecond))

	s.mirror(ctx, result)
	s.deps.Store.SweepAsync()

	return result, nil
}

// produce generates WAV audio, stores it and converts it to format.
func (s *Service) produce(ctx context.Context, req core.SpeechRequest, format audio.Format) (artifact.Artifact, error) {
	wav, err := s.deps.Engine.GenerateSpeech(ctx, req)
	if err != nil {
		return artifact.Artifact{}, err
	}

	_, err = audio.ParseWAV(wav)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrEngineAudio, err)
	}

	written, err := s.deps.Store.WriteWAV(artifact.PrefixSpeech, wav)
	if err != nil {
		return artifact.Artifact{}, err
	}

	path, err := s.deps.Converter.Convert(ctx, written.Path, format)
	if err != nil {
		removeErr := s.deps.Store.Remove(written.Path)
		if removeErr != nil {
			s.log.Warn(logFmtDiscardPartial, written.Path, removeErr)
		}

		return artifact.Artifact{}, fmt.Errorf("failed to convert audio to %s: %w", format, err)
	}

	return s.deps.Store.Stat(path)
}

// mirror uploads the artifact to the object store when one is configured.
// Failures are logged only.
func (s *Service) mirror(ctx context.Context, result artifact.Artifact) {
	if s.deps.Mirror == nil {
		return
	}

	// #nosec G304 -- path is generated by the artifact store
	data, err := os.ReadFile(result.Path)
	if err == nil {
		err = s.deps.Mirror.Upload(ctx, result.Name, data)
	}

	if err != nil {
		s.log.Warn(logFmtMirrorFailed, result.Name, err)

		return
	}

	s.log.Info(logFmtMirrored, result.Name)
}

// unmirror deletes an expired artifact from the mirror. Failures are logged only.
func (s *Service) unmirror(mirror deleter, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorDeleteTimeout)
	defer cancel()

	err := mirror.Delete(ctx, name)
	if err != nil {
		s.log.Warn(logFmtUnmirrorFailed, name, err)

		return
	}

	s.log.Info(logFmtUnmirrored, name)
}
