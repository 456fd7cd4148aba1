// Package tts wires engine adapters to the rest of the service: the registry
// creates the configured adapter and the Service runs synthesis requests
// through it into the output directory.
package tts

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/config"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/book-expert/tts-api/internal/tts/xtts"
)

// ErrUnsupportedEngine is returned for an engine name the registry does not know.
var ErrUnsupportedEngine = errors.New("unsupported TTS engine")

// Factory builds an engine adapter from the service configuration.
type Factory func(cfg *config.Config, log *logger.Logger) (core.Engine, error)

var registry = map[string]Factory{
	xtts.Name: newXTTS,
}

// NewEngine creates the adapter registered under name. The adapter is not
// initialized.
func NewEngine(name string, cfg *config.Config, log *logger.Logger) (core.Engine, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedEngine, name, strings.Join(Engines(), ", "))
	}

	engine, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine %s: %w", name, err)
	}

	return engine, nil
}

// Engines returns the registered engine names, sorted.
func Engines() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func newXTTS(cfg *config.Config, log *logger.Logger) (core.Engine, error) {
	return xtts.New(xtts.Options{
		ServerURL:      cfg.Engine.ServerURL,
		DefaultSpeaker: cfg.Synthesis.DefaultSpeaker,
		Timeout:        cfg.Engine.Timeout.Std(),
	}, log)
}
