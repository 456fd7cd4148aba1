package artifact_test

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, maxAge time.Duration) *artifact.Store {
	t.Helper()

	log, err := logger.New(t.TempDir(), "artifact-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "outputs"), maxAge, log)
	require.NoError(t, err)

	return store
}

func TestNewStore_CreatesDirectories(t *testing.T) {
	t.Parallel()

	store := newStore(t, time.Hour)

	for _, dir := range []string{store.Dir(), store.TempDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewName(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^tts_[0-9a-f]{32}\.mp3$`)
	seen := make(map[string]struct{})

	for range 100 {
		name := artifact.NewName(artifact.PrefixSpeech, audio.FormatMP3)
		assert.Regexp(t, pattern, name)

		_, duplicate := seen[name]
		require.False(t, duplicate, "names must not collide")

		seen[name] = struct{}{}
	}
}

func TestWriteWAV(t *testing.T) {
	t.Parallel()

	store := newStore(t, time.Hour)
	data := []byte("RIFF-not-really")

	written, err := store.WriteWAV(artifact.PrefixSpeech, data)
	require.NoError(t, err)

	assert.Equal(t, audio.FormatWAV, written.Format)
	assert.Equal(t, int64(len(data)), written.Size)
	assert.Equal(t, store.Dir(), filepath.Dir(written.Path))
	assert.True(t, strings.HasPrefix(written.Name, "tts_"))
	assert.Equal(t, "15 B", written.HumanSize())

	onDisk, err := os.ReadFile(written.Path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestSaveReferenceAndRemove(t *testing.T) {
	t.Parallel()

	store := newStore(t, time.Hour)

	path, err := store.SaveReference(strings.NewReader("reference audio"))
	require.NoError(t, err)

	assert.Equal(t, store.TempDir(), filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "reference_"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "reference audio", string(content))

	require.NoError(t, store.Remove(path))
	assert.NoFileExists(t, path)

	require.NoError(t, store.Remove(path), "removing twice is not an error")
}

func TestSaveReference_Empty(t *testing.T) {
	t.Parallel()

	store := newStore(t, time.Hour)

	_, err := store.SaveReference(strings.NewReader(""))
	require.ErrorIs(t, err, artifact.ErrEmptyUpload)
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Equal(t, artifact.ErrEmptyUpload.Error(), err.Error(), "no extra context around the request error")

	entries, err := os.ReadDir(store.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "empty uploads leave nothing behind")
}

func TestSweep(t *testing.T) {
	t.Parallel()

	store := newStore(t, 24*time.Hour)
	now := time.Now()

	fresh, err := store.WriteWAV(artifact.PrefixSpeech, []byte("fresh"))
	require.NoError(t, err)

	stale, err := store.WriteWAV(artifact.PrefixSpeech, []byte("stale"))
	require.NoError(t, err)

	staleRef, err := store.SaveReference(strings.NewReader("old reference"))
	require.NoError(t, err)

	foreign := filepath.Join(store.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("not ours"), 0o600))

	old := now.Add(-25 * time.Hour)
	for _, path := range []string{stale.Path, staleRef, foreign} {
		require.NoError(t, os.Chtimes(path, old, old))
	}

	var expired []string

	store.OnExpire(func(name string) { expired = append(expired, name) })

	removed, err := store.Sweep(now)
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.FileExists(t, fresh.Path)
	assert.NoFileExists(t, stale.Path)
	assert.NoFileExists(t, staleRef)
	assert.FileExists(t, foreign, "non-audio files are never swept")
	assert.DirExists(t, store.TempDir(), "directories are never swept")
	assert.Equal(t, []string{stale.Name}, expired, "only output artifacts are reported")
}

func TestSweepAsync(t *testing.T) {
	t.Parallel()

	store := newStore(t, time.Nanosecond)

	written, err := store.WriteWAV(artifact.PrefixSpeech, []byte("data"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(written.Path, old, old))

	store.SweepAsync()
	store.Wait()

	assert.NoFileExists(t, written.Path)
}

func TestValidateReference(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "voice.wav")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	require.NoError(t, artifact.ValidateReference(file))
	require.ErrorIs(t, artifact.ValidateReference(filepath.Join(dir, "missing.wav")), core.ErrReferenceNotFound)
	require.ErrorIs(t, artifact.ValidateReference(dir), core.ErrReferenceNotFound)
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()

	voice := filepath.Join(root, "voices", "narrator.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(voice), 0o750))
	require.NoError(t, os.WriteFile(voice, []byte("x"), 0o600))

	secret := filepath.Join(outside, "secret.wav")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))

	realVoice, err := filepath.EvalSymlinks(voice)
	require.NoError(t, err)

	resolved, err := artifact.ResolveReference(root, "voices/narrator.wav")
	require.NoError(t, err)
	assert.Equal(t, realVoice, resolved)

	resolved, err = artifact.ResolveReference(root, voice)
	require.NoError(t, err)
	assert.Equal(t, realVoice, resolved)

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "absolute outside", path: secret, want: core.ErrReferenceOutsideDir},
		{name: "relative escape", path: "../" + filepath.Base(outside) + "/secret.wav", want: core.ErrReferenceOutsideDir},
		{name: "missing inside", path: "voices/missing.wav", want: core.ErrReferenceNotFound},
		{name: "directory", path: "voices", want: core.ErrReferenceNotFound},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := artifact.ResolveReference(root, testCase.path)
			require.ErrorIs(t, err, testCase.want)
			require.ErrorIs(t, err, core.ErrInvalidRequest)
		})
	}
}

func TestResolveReference_SymlinkEscape(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.wav")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))

	link := filepath.Join(root, "link.wav")
	err := os.Symlink(secret, link)
	if err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err = artifact.ResolveReference(root, "link.wav")
	require.ErrorIs(t, err, core.ErrReferenceOutsideDir)
}

// TestEnsureDir verifies that a directory is created if it doesn't exist.
func TestEnsureDir(t *testing.T) {
	t.Parallel()

	testPath := filepath.Join(t.TempDir(), "new", "dir")

	require.NoError(t, artifact.EnsureDir(testPath))
	assert.DirExists(t, testPath)
	require.NoError(t, artifact.EnsureDir(testPath), "existing directory is fine")
}

// TestIsAudioFile verifies audio file extension checks.
func TestIsAudioFile(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		filename string
		isValid  bool
	}{
		{"test.wav", true},
		{"test.MP3", true},
		{"test.flac", false},
		{"test.txt", false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.filename, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.isValid, artifact.IsAudioFile(testCase.filename))
		})
	}
}

// TestSanitizeFilename verifies that invalid characters are removed.
func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"no changes", "valid_filename.txt", "valid_filename.txt"},
		{
			"replaces invalid chars",
			"in<va>l:id\"/\\|?*name.txt",
			"in_va_l_id_______name.txt",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, artifact.SanitizeFilename(testCase.input))
		})
	}
}
