// Package artifact manages generated audio files and uploaded reference
// recordings in the output directory.
//
// Names are derived from random UUIDs so that concurrent writers never
// collide; no other coordination happens between requests.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Name prefixes for files written to the output directory.
const (
	PrefixSpeech    = "tts"
	PrefixReference = "reference"
)

const (
	tempDirName            = "temp"
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o600
	invalidCharReplacement = "_"
)

// Log and error message formats.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	logFmtSweepRemoved      = "Removed expired artifact %s (%s old)"
	logFmtSweepFailed       = "Failed to remove expired artifact %s: %v"
	logFmtSweepSummary      = "Artifact sweep removed %d file(s) from %s"
)

// ErrEmptyUpload is returned when an uploaded reference recording has no bytes.
var ErrEmptyUpload = fmt.Errorf("%w: uploaded file is empty", core.ErrInvalidRequest)

// Artifact describes one file in the output directory.
type Artifact struct {
	Name      string
	Path      string
	Format    audio.Format
	Size      int64
	CreatedAt time.Time
}

// HumanSize returns the artifact size in a human-readable form.
func (a Artifact) HumanSize() string {
	return humanize.Bytes(uint64(max(a.Size, 0)))
}

// Store owns the output directory.
type Store struct {
	dir     string
	tempDir string
	maxAge  time.Duration
	log     *logger.Logger

	sweepMu sync.Mutex
	sweeps  sync.WaitGroup

	hookMu   sync.Mutex
	onExpire func(name string)
}

// NewStore creates the output and temp directories and returns a Store.
// Artifacts older than maxAge are removed by Sweep.
func NewStore(dir string, maxAge time.Duration, log *logger.Logger) (*Store, error) {
	tempDir := filepath.Join(dir, tempDirName)

	for _, path := range []string{dir, tempDir} {
		err := EnsureDir(path)
		if err != nil {
			return nil, err
		}
	}

	return &Store{
		dir:     dir,
		tempDir: tempDir,
		maxAge:  maxAge,
		log:     log,
	}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// OnExpire registers fn to be called with the name of every artifact a sweep
// removes from the output directory. Expired uploads do not trigger it.
func (s *Store) OnExpire(fn func(name string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.onExpire = fn
}

func (s *Store) expireHook() func(name string) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	return s.onExpire
}

// TempDir returns the directory holding uploaded reference recordings.
func (s *Store) TempDir() string {
	return s.tempDir
}

// NewName returns a collision-free file name such as tts_<32 hex>.wav.
func NewName(prefix string, format audio.Format) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")

	return SanitizeFilename(prefix) + "_" + id + format.Extension()
}

// WriteWAV stores WAV audio as a new artifact.
func (s *Store) WriteWAV(prefix string, data []byte) (Artifact, error) {
	path := filepath.Join(s.dir, NewName(prefix, audio.FormatWAV))

	err := writeExclusive(path, data)
	if err != nil {
		return Artifact{}, err
	}

	return s.Stat(path)
}

// Stat describes an existing file as an Artifact.
func (s *Store) Stat(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to stat artifact %s: %w", path, err)
	}

	return Artifact{
		Name:      filepath.Base(path),
		Path:      path,
		Format:    audio.Format(GetFileExtension(path)),
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}, nil
}

// SaveReference copies an uploaded reference recording into the temp
// directory and returns its path. The caller removes it with Remove.
func (s *Store) SaveReference(src io.Reader) (string, error) {
	path := filepath.Join(s.tempDir, NewName(PrefixReference, audio.FormatWAV))

	// #nosec G304 -- path is generated, not user supplied
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create reference file: %w", err)
	}

	written, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	if copyErr == nil && closeErr == nil && written == 0 {
		_ = os.Remove(path)

		return "", ErrEmptyUpload
	}

	err = errors.Join(copyErr, closeErr)
	if err != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("failed to save reference file: %w", err)
	}

	return path, nil
}

// Remove deletes a file, treating a missing file as success.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// Sweep removes audio files in the output and temp directories whose
// modification time is older than the configured maximum age. Other files
// are left alone.
func (s *Store) Sweep(now time.Time) (int, error) {
	removed := 0

	var errs []error

	for _, dir := range []string{s.dir, s.tempDir} {
		var hook func(string)
		if dir == s.dir {
			hook = s.expireHook()
		}

		count, err := s.sweepDir(dir, now, hook)
		removed += count

		if err != nil {
			errs = append(errs, err)
		}
	}

	if removed > 0 {
		s.log.Info(logFmtSweepSummary, removed, s.dir)
	}

	return removed, errors.Join(errs...)
}

// SweepAsync starts a background Sweep unless one is already running and
// reports whether it started one.
func (s *Store) SweepAsync() bool {
	if !s.sweepMu.TryLock() {
		return false
	}

	s.sweeps.Add(1)

	go func() {
		defer s.sweeps.Done()
		defer s.sweepMu.Unlock()

		_, err := s.Sweep(time.Now())
		if err != nil {
			s.log.Warn("Artifact sweep finished with errors: %v", err)
		}
	}()

	return true
}

// Wait blocks until background sweeps have finished.
func (s *Store) Wait() {
	s.sweeps.Wait()
}

func (s *Store) sweepDir(dir string, now time.Time, expired func(name string)) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	removed := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsAudioFile(entry.Name()) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		removeErr := os.Remove(path)
		if removeErr != nil {
			s.log.Warn(logFmtSweepFailed, path, removeErr)

			continue
		}

		removed++

		s.log.Info(logFmtSweepRemoved, path, age.Round(time.Second))

		if expired != nil {
			expired(entry.Name())
		}
	}

	return removed, nil
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, defaultDirPermissions)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, err)
	}

	return nil
}

// ValidateReference checks that path names an existing regular file.
func ValidateReference(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrReferenceNotFound, path)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", core.ErrReferenceNotFound, path)
	}

	return nil
}

// ResolveReference maps a caller supplied reference path into root. Relative
// paths are taken relative to root; absolute paths must already lie inside it.
// The returned path has symlinks resolved and names an existing file.
func ResolveReference(root, path string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve reference directory %s: %w", root, err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(rootAbs, candidate)
	}

	candidate = filepath.Clean(candidate)

	if !within(rootAbs, candidate) {
		return "", fmt.Errorf("%w: %s", core.ErrReferenceOutsideDir, path)
	}

	err = ValidateReference(candidate)
	if err != nil {
		return "", err
	}

	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve reference directory %s: %w", root, err)
	}

	realPath, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", core.ErrReferenceNotFound, path)
	}

	if !within(realRoot, realPath) {
		return "", fmt.Errorf("%w: %s", core.ErrReferenceOutsideDir, path)
	}

	return realPath, nil
}

// within reports whether path is root or below it. Both must be clean and absolute.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsAudioFile checks if a filename has one of the supported output extensions.
func IsAudioFile(filename string) bool {
	switch audio.Format(GetFileExtension(filename)) {
	case audio.FormatWAV, audio.FormatMP3:
		return true
	default:
		return false
	}
}

// GetFileExtension returns the lower-cased file extension without the leading dot.
func GetFileExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}

func writeExclusive(path string, data []byte) error {
	// #nosec G304 -- path is generated, not user supplied
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", path, err)
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	err = errors.Join(writeErr, closeErr)
	if err != nil {
		_ = os.Remove(path)

		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}

	return nil
}
