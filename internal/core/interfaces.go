// Package core defines the core types and interfaces shared by the TTS API.
package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidRequest is wrapped by every error that is the caller's fault.
// The HTTP layer maps it to a 4xx response.
var ErrInvalidRequest = errors.New("invalid request")

// Request-level errors. Each one wraps ErrInvalidRequest.
var (
	ErrTextEmpty           = fmt.Errorf("%w: text is required", ErrInvalidRequest)
	ErrUnsupportedLanguage = fmt.Errorf("%w: unsupported language", ErrInvalidRequest)
	ErrUnsupportedFormat   = fmt.Errorf("%w: unsupported output format", ErrInvalidRequest)
	ErrUnknownSpeaker      = fmt.Errorf("%w: unknown speaker", ErrInvalidRequest)
	ErrReferenceNotFound   = fmt.Errorf("%w: reference audio file not found", ErrInvalidRequest)
	ErrReferenceInvalid    = fmt.Errorf("%w: reference audio is not usable", ErrInvalidRequest)
	ErrReferenceOutsideDir = fmt.Errorf("%w: reference audio must be inside the reference directory", ErrInvalidRequest)
)

// ErrEngineNotInitialized is returned by adapters used before Initialize succeeded.
var ErrEngineNotInitialized = errors.New("engine not initialized")

// SpeechRequest is a single synthesis call.
type SpeechRequest struct {
	Text     string
	Language string
	// Speaker names a predefined voice. Ignored when ReferencePath is set.
	Speaker string
	// ReferencePath points at a reference recording used for voice cloning.
	ReferencePath string
	Format        string
}

// IsClone reports whether the request synthesizes with a reference recording.
func (r SpeechRequest) IsClone() bool {
	return r.ReferencePath != ""
}

// Engine is a text-to-speech backend adapter.
type Engine interface {
	Name() string
	Initialize(ctx context.Context) error
	Ready() bool
	// GenerateSpeech returns WAV-encoded audio for the request.
	GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
	Voices(ctx context.Context) ([]string, error)
	Languages() []string
	Close() error
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
