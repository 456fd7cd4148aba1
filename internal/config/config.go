// Package config provides the configuration structure for the tts-api service.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvConfigFile names an optional TOML file read before the environment overlay.
const EnvConfigFile = "TTS_CONFIG_FILE"

// Built-in defaults, overridden by the config file and the environment.
const (
	DefaultEngine         = "coqui_xtts"
	DefaultModelName      = "tts_models/multilingual/multi-dataset/xtts_v2"
	DefaultDevice         = "cpu"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultOutputDir      = "outputs"
	DefaultLanguage       = "en"
	DefaultSpeaker        = "Daisy Studious"
	DefaultFormat         = "mp3"
	DefaultServerURL      = "http://127.0.0.1:8020"
	DefaultEngineTimeout  = 120 * time.Second
	DefaultFFmpegPath     = "ffmpeg"
	DefaultLogDir         = "logs"
	DefaultMaxUploadBytes = 25 << 20
	DefaultArtifactMaxAge = 24 * time.Hour
	DefaultAudioBucket    = "TTS_AUDIO"

	// TempDirName is the subdirectory of the output directory holding uploads.
	TempDirName = "temp"
	// ReferenceDirName is the default speaker_wav directory under the output directory.
	ReferenceDirName = "references"

	dirPermissions = 0o750
	maxPort        = 65535
)

// Configuration errors.
var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidFormat   = errors.New("default format must be wav or mp3")
	ErrEmptyEngine     = errors.New("engine name cannot be empty")
	ErrEmptyOutputDir  = errors.New("output directory cannot be empty")
	ErrInvalidDuration = errors.New("durations must be positive")
	ErrInvalidUpload   = errors.New("max upload bytes must be positive")
)

// Duration is a time.Duration that decodes from strings such as "90s" in both
// TOML files and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string `toml:"host"             env:"HOST"`
	Port           int    `toml:"port"             env:"PORT"`
	Debug          bool   `toml:"debug"            env:"DEBUG"`
	MaxUploadBytes int64  `toml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	MetricsEnabled bool   `toml:"metrics_enabled"  env:"METRICS_ENABLED"`
}

// EngineConfig selects and configures the synthesis engine.
type EngineConfig struct {
	Name      string   `toml:"name"       env:"TTS_ENGINE"`
	ModelName string   `toml:"model_name" env:"MODEL_NAME"`
	Device    string   `toml:"device"     env:"DEVICE"`
	ServerURL string   `toml:"server_url" env:"XTTS_SERVER_URL"`
	Timeout   Duration `toml:"timeout"    env:"ENGINE_TIMEOUT"`
}

// SynthesisConfig holds request defaults.
type SynthesisConfig struct {
	DefaultLanguage string `toml:"default_language" env:"DEFAULT_LANGUAGE"`
	DefaultSpeaker  string `toml:"default_speaker"  env:"DEFAULT_SPEAKER"`
	DefaultFormat   string `toml:"default_format"   env:"DEFAULT_FORMAT"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	OutputDir      string   `toml:"output_dir"       env:"OUTPUT_DIR"`
	LogDir         string   `toml:"log_dir"          env:"LOG_DIR"`
	FFmpegPath     string   `toml:"ffmpeg_path"      env:"FFMPEG_PATH"`
	ArtifactMaxAge Duration `toml:"artifact_max_age" env:"ARTIFACT_MAX_AGE"`
	// ReferenceDir holds the recordings /tts may name in speaker_wav.
	ReferenceDir string `toml:"reference_dir" env:"REFERENCE_DIR"`
}

// NATSConfig holds the optional NATS integration. Everything is disabled while
// URL is empty.
type NATSConfig struct {
	URL         string `toml:"url"          env:"NATS_URL"`
	AudioBucket string `toml:"audio_bucket" env:"NATS_AUDIO_BUCKET"`
	JobSubject  string `toml:"job_subject"  env:"NATS_JOB_SUBJECT"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Engine    EngineConfig    `toml:"engine"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Paths     PathsConfig     `toml:"paths"`
	NATS      NATSConfig      `toml:"nats"`
}

// Defaults returns a configuration populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			Debug:          false,
			MaxUploadBytes: DefaultMaxUploadBytes,
			MetricsEnabled: true,
		},
		Engine: EngineConfig{
			Name:      DefaultEngine,
			ModelName: DefaultModelName,
			Device:    DefaultDevice,
			ServerURL: DefaultServerURL,
			Timeout:   Duration(DefaultEngineTimeout),
		},
		Synthesis: SynthesisConfig{
			DefaultLanguage: DefaultLanguage,
			DefaultSpeaker:  DefaultSpeaker,
			DefaultFormat:   DefaultFormat,
		},
		Paths: PathsConfig{
			OutputDir:      DefaultOutputDir,
			LogDir:         DefaultLogDir,
			FFmpegPath:     DefaultFFmpegPath,
			ArtifactMaxAge: Duration(DefaultArtifactMaxAge),
		},
		NATS: NATSConfig{
			URL:         "",
			AudioBucket: DefaultAudioBucket,
			JobSubject:  "",
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// TTS_CONFIG_FILE and finally the process environment.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Defaults()

	path := os.Getenv(EnvConfigFile)
	if path != "" {
		err := LoadFile(path, cfg)
		if err != nil {
			return nil, err
		}

		log.Info("Loaded configuration file %s", path)
	}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.normalize()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile decodes a TOML file on top of cfg. Keys missing from the file keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	err = toml.Unmarshal(data, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return nil
}

// Validate checks the values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return ErrInvalidUpload
	}

	if c.Engine.Name == "" {
		return ErrEmptyEngine
	}

	if c.Paths.OutputDir == "" {
		return ErrEmptyOutputDir
	}

	switch c.Synthesis.DefaultFormat {
	case "wav", "mp3":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidFormat, c.Synthesis.DefaultFormat)
	}

	if c.Engine.Timeout <= 0 || c.Paths.ArtifactMaxAge <= 0 {
		return ErrInvalidDuration
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// TempDir returns the directory holding uploaded reference recordings.
func (c *Config) TempDir() string {
	return filepath.Join(c.Paths.OutputDir, TempDirName)
}

// ReferenceRoot returns the directory speaker_wav paths must resolve into.
func (c *Config) ReferenceRoot() string {
	if c.Paths.ReferenceDir != "" {
		return c.Paths.ReferenceDir
	}

	return filepath.Join(c.Paths.OutputDir, ReferenceDirName)
}

// NATSEnabled reports whether the NATS integration is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATS.URL != ""
}

// EnsureDirectories creates the output, temp, reference and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.TempDir(), c.ReferenceRoot(), c.Paths.LogDir} {
		if dir == "" {
			continue
		}

		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func (c *Config) normalize() {
	c.Engine.Name = strings.ToLower(strings.TrimSpace(c.Engine.Name))
	c.Engine.Device = strings.ToLower(strings.TrimSpace(c.Engine.Device))
	c.Engine.ServerURL = strings.TrimRight(c.Engine.ServerURL, "/")
	c.Synthesis.DefaultLanguage = strings.ToLower(strings.TrimSpace(c.Synthesis.DefaultLanguage))
	c.Synthesis.DefaultFormat = strings.ToLower(strings.TrimSpace(c.Synthesis.DefaultFormat))
}
