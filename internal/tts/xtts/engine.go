// Package xtts implements the Coqui xTTS v2 engine adapter.
//
// The model itself runs inside a Coqui XTTS API server; the adapter talks to
// it over HTTP. Predefined voices come from the server's studio speaker
// catalogue and voice cloning uploads the reference recording to the server
// before synthesis.
package xtts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
)

// Name is the registry key of this adapter.
const Name = "coqui_xtts"

// API endpoints of the XTTS server.
const (
	apiSynthesize     = "/tts_to_audio/"
	apiStudioSpeakers = "/studio_speakers"
	apiCloneSpeaker   = "/clone_speaker"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	cloneFormField    = "wav_files"
)

const (
	defaultTimeout   = 120 * time.Second
	maxErrorBodySize = 4096
)

// Error and log message formats.
const (
	errFmtRequestFailed   = "request to XTTS server %s%s failed: %w"
	errFmtNonOKStatus     = "%w: %s%s returned %s: %s"
	errFmtDecodeFailed    = "failed to decode %s response: %w"
	logFmtCatalogueLoaded = "Loaded %d studio speakers from %s"
	logFmtCatalogueStale  = "Failed to refresh studio speakers, serving cached list: %v"
	logFmtCatalogueEmpty  = "XTTS server at %s reported no studio speakers, using built-in list"
	logFmtCloned          = "Cloned reference %s as speaker %s"
)

// Errors returned by the adapter.
var (
	ErrEmptyServerURL = errors.New("xtts server URL must not be empty")
	ErrServerStatus   = errors.New("xtts server returned an error")
	ErrInvalidAudio   = errors.New("xtts server returned invalid audio")

	// ErrDefaultSpeakerMissing is a configuration error: the configured default
	// speaker is not among the speakers the server offers.
	ErrDefaultSpeakerMissing = errors.New("default speaker is not in the speaker catalogue")
)

// supportedLanguages is the fixed language list of xTTS v2.
var supportedLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl", "tr", "ru",
	"nl", "cs", "ar", "zh-cn", "ja", "hu", "ko", "hi",
}

// fallbackSpeakers are the xTTS v2 studio speakers, served when the server
// catalogue cannot be read.
var fallbackSpeakers = []string{
	"Claribel Dervla", "Daisy Studious", "Gracie Wise", "Tammie Ema",
	"Ana Florence", "Annmarie Nele", "Asya Anara", "Brenda Stern",
	"Gitta Nikolina", "Henriette Usha", "Sofia Hellen", "Tanja Adelina",
	"Vjollca Johnnie", "Andrew Chipper", "Badr Odhiambo",
}

// Options configures an Engine.
type Options struct {
	// ServerURL is the base URL of the XTTS server, e.g. "http://127.0.0.1:8020".
	ServerURL string
	// DefaultSpeaker is used when a request names no speaker.
	DefaultSpeaker string
	// Timeout bounds every call to the server.
	Timeout time.Duration
}

// Engine is the Coqui xTTS v2 adapter. It is safe for concurrent use once
// Initialize has returned.
type Engine struct {
	httpClient     *http.Client
	log            *logger.Logger
	serverURL      string
	defaultSpeaker string

	mu       sync.RWMutex
	speakers []string
	ready    atomic.Bool
}

// synthesizeRequest is the JSON body sent to the synthesis endpoint.
type synthesizeRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// cloneResponse is the JSON body returned by the clone endpoint.
type cloneResponse struct {
	Name string `json:"name"`
}

// errorResponse is the JSON error body returned by the XTTS server.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// New creates an adapter for the server at opts.ServerURL. No network call is
// made until Initialize.
func New(opts Options, log *logger.Logger) (*Engine, error) {
	serverURL := strings.TrimRight(strings.TrimSpace(opts.ServerURL), "/")
	if serverURL == "" {
		return nil, ErrEmptyServerURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Engine{
		httpClient:     &http.Client{Timeout: timeout},
		log:            log,
		serverURL:      serverURL,
		defaultSpeaker: opts.DefaultSpeaker,
	}, nil
}

// Name returns the registry key of the adapter.
func (e *Engine) Name() string {
	return Name
}

// Initialize loads the studio speaker catalogue. An unreachable server and a
// default speaker missing from the catalogue are errors; the caller treats
// them as fatal.
func (e *Engine) Initialize(ctx context.Context) error {
	speakers, err := e.fetchSpeakers(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", Name, err)
	}

	if len(speakers) == 0 {
		e.log.Warn(logFmtCatalogueEmpty, e.serverURL)

		speakers = slices.Clone(fallbackSpeakers)
	} else {
		e.log.Info(logFmtCatalogueLoaded, len(speakers), e.serverURL)
	}

	if e.defaultSpeaker != "" && !slices.Contains(speakers, e.defaultSpeaker) {
		return fmt.Errorf("failed to initialize %s: %w: %q", Name, ErrDefaultSpeakerMissing, e.defaultSpeaker)
	}

	e.setSpeakers(speakers)
	e.ready.Store(true)

	return nil
}

// Ready reports whether Initialize succeeded and Close has not been called.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Languages returns the language codes xTTS v2 supports.
func (e *Engine) Languages() []string {
	return slices.Clone(supportedLanguages)
}

// Voices returns the predefined speaker names, sorted. When the server
// cannot be reached the last loaded catalogue is returned, and the built-in
// list when nothing was ever loaded.
func (e *Engine) Voices(ctx context.Context) ([]string, error) {
	speakers, err := e.fetchSpeakers(ctx)
	if err == nil && len(speakers) > 0 {
		e.setSpeakers(speakers)

		return slices.Clone(speakers), nil
	}

	if err != nil {
		e.log.Warn(logFmtCatalogueStale, err)
	}

	cached := e.cachedSpeakers()
	if len(cached) > 0 {
		return cached, nil
	}

	return slices.Clone(fallbackSpeakers), nil
}

// GenerateSpeech synthesizes req and returns WAV audio. When req carries a
// reference recording it is uploaded for cloning and used as the speaker.
func (e *Engine) GenerateSpeech(ctx context.Context, req core.SpeechRequest) ([]byte, error) {
	if !e.Ready() {
		return nil, core.ErrEngineNotInitialized
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, core.ErrTextEmpty
	}

	language := strings.ToLower(strings.TrimSpace(req.Language))
	if !slices.Contains(supportedLanguages, language) {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedLanguage, req.Language)
	}

	speaker, err := e.resolveSpeaker(ctx, req)
	if err != nil {
		return nil, err
	}

	return e.synthesize(ctx, synthesizeRequest{
		Text:       text,
		SpeakerWav: speaker,
		Language:   language,
	})
}

// Close releases idle connections. The adapter is not ready afterwards.
func (e *Engine) Close() error {
	e.ready.Store(false)
	e.httpClient.CloseIdleConnections()

	return nil
}

func (e *Engine) resolveSpeaker(ctx context.Context, req core.SpeechRequest) (string, error) {
	if req.IsClone() {
		return e.cloneReference(ctx, req.ReferencePath)
	}

	speaker := strings.TrimSpace(req.Speaker)
	if speaker == "" {
		speaker = e.defaultSpeaker
	}

	if !slices.Contains(e.cachedSpeakers(), speaker) {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownSpeaker, speaker)
	}

	return speaker, nil
}

// cloneReference uploads the recording at path and returns the speaker name
// the server assigned to it.
func (e *Engine) cloneReference(ctx context.Context, path string) (string, error) {
	// #nosec G304 -- reference paths are validated by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", core.ErrReferenceNotFound, path)
		}

		return "", fmt.Errorf("failed to read reference audio %s: %w", path, err)
	}

	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", core.ErrReferenceInvalid, path)
	}

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(cloneFormField, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create clone form: %w", err)
	}

	_, err = part.Write(data)
	if err != nil {
		return "", fmt.Errorf("failed to write clone form: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close clone form: %w", err)
	}

	resp, err := e.do(ctx, http.MethodPost, apiCloneSpeaker, &body, writer.FormDataContentType(), contentTypeJSON)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := e.statusError(resp, apiCloneSpeaker)
		if isClientStatus(resp.StatusCode) {
			return "", fmt.Errorf("%w: %w", core.ErrReferenceInvalid, statusErr)
		}

		return "", statusErr
	}

	var cloned cloneResponse

	err = json.NewDecoder(resp.Body).Decode(&cloned)
	if err != nil {
		return "", fmt.Errorf(errFmtDecodeFailed, apiCloneSpeaker, err)
	}

	if cloned.Name == "" {
		return "", fmt.Errorf("%w: %s response has no speaker name", ErrServerStatus, apiCloneSpeaker)
	}

	e.log.Info(logFmtCloned, filepath.Base(path), cloned.Name)

	return cloned.Name, nil
}

func (e *Engine) synthesize(ctx context.Context, payload synthesizeRequest) ([]byte, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := e.do(ctx, http.MethodPost, apiSynthesize, bytes.NewReader(requestBody), contentTypeJSON, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := e.statusError(resp, apiSynthesize)
		if isClientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w", core.ErrInvalidRequest, statusErr)
		}

		return nil, statusErr
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	_, err = audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}

	return wav, nil
}

func (e *Engine) fetchSpeakers(ctx context.Context) ([]string, error) {
	resp, err := e.do(ctx, http.MethodGet, apiStudioSpeakers, http.NoBody, "", contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.statusError(resp, apiStudioSpeakers)
	}

	var catalogue map[string]json.RawMessage

	err = json.NewDecoder(resp.Body).Decode(&catalogue)
	if err != nil {
		return nil, fmt.Errorf(errFmtDecodeFailed, apiStudioSpeakers, err)
	}

	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}

	slices.Sort(names)

	return names, nil
}

func (e *Engine) do(
	ctx context.Context,
	method, path string,
	body io.Reader,
	contentType, accept string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}

	req.Header.Set(headerAccept, accept)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtRequestFailed, e.serverURL, path, err)
	}

	return resp, nil
}

// statusError builds an error from a non-OK response, preferring the
// server's JSON detail over the raw body.
func (e *Engine) statusError(resp *http.Response, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	detail := strings.TrimSpace(string(raw))

	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Detail) > 0 {
		var message string
		if json.Unmarshal(parsed.Detail, &message) == nil {
			detail = message
		} else {
			detail = string(parsed.Detail)
		}
	}

	return fmt.Errorf(errFmtNonOKStatus, ErrServerStatus, e.serverURL, path, resp.Status, detail)
}

func (e *Engine) setSpeakers(speakers []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.speakers = slices.Clone(speakers)
}

func (e *Engine) cachedSpeakers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return slices.Clone(e.speakers)
}

func isClientStatus(code int) bool {
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError
}

var _ core.Engine = (*Engine)(nil)
