// Package client provides a Go client for the TTS REST API.
//
// The client mirrors the server's endpoints one to one and returns the raw
// audio bytes of synthesis responses. Batch turns a JSON file of text chunks
// into numbered audio files using a bounded worker pool.
package client

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
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiHealth    = "/health"
	apiVoices    = "/voices"
	apiLanguages = "/languages"
	apiTTS       = "/tts"
	apiClone     = "/clone"
)

// Form fields understood by the server.
const (
	fieldText       = "text"
	fieldLanguage   = "language"
	fieldSpeaker    = "speaker"
	fieldSpeakerWav = "speaker_wav"
	fieldFormat     = "output_format"
	fieldFile       = "file"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Error messages.
const (
	errFmtAPIError         = "TTS API error (%s): %s"
	errFmtAPINonOKStatus   = "TTS API returned non-OK status: %s, body: %s"
	errFmtRequestFailed    = "failed to send request to TTS API at %s: %w"
	errReceivedEmptyAudio  = "received empty audio data"
	errTextCannotBeEmpty   = "text cannot be empty"
	errFmtUnexpectedFormat = "unexpected content type: expected audio/*, got %q"
)

// Errors returned by the client.
var (
	ErrTextEmpty      = errors.New(errTextCannotBeEmpty)
	ErrEmptyAudio     = errors.New(errReceivedEmptyAudio)
	ErrAPIStatus      = errors.New("TTS API request failed")
	ErrUnexpectedBody = errors.New("unexpected response body")
)

// Client talks to a running TTS API server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// SynthesisRequest holds the form fields of /tts and /clone. Empty fields
// are omitted and the server applies its defaults.
type SynthesisRequest struct {
	Text     string
	Language string
	// Speaker names a predefined voice (/tts only).
	Speaker string
	// SpeakerWav is a server-side path to a reference recording (/tts only).
	SpeakerWav string
	Format     string
}

// Health is the body of a /health response.
type Health struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
	Device string `json:"device"`
	Model  string `json:"model"`
}

// errorResponse is the error body returned by the server.
type errorResponse struct {
	Detail string `json:"detail"`
}

// New creates a client for the server at baseURL (e.g.
// "http://localhost:8000"). The timeout applies to every request.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Health returns the server health report. An unhealthy server yields both
// the decoded report and an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health

	resp, err := c.get(ctx, apiHealth)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(&health)

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("%w: health check returned %s (status %q)", ErrAPIStatus, resp.Status, health.Status)
	}

	if decodeErr != nil {
		return health, fmt.Errorf("%w: %w", ErrUnexpectedBody, decodeErr)
	}

	return health, nil
}

// Voices returns the predefined voice names.
func (c *Client) Voices(ctx context.Context) ([]string, error) {
	var body struct {
		Voices []string `json:"voices"`
	}

	err := c.getJSON(ctx, apiVoices, &body)
	if err != nil {
		return nil, err
	}

	return body.Voices, nil
}

// Languages returns the supported language codes.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	var body struct {
		Languages []string `json:"languages"`
	}

	err := c.getJSON(ctx, apiLanguages, &body)
	if err != nil {
		return nil, err
	}

	return body.Languages, nil
}

// Synthesize calls /tts and returns the audio bytes.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	return c.postForm(ctx, apiTTS, req.fields(), "", nil)
}

// Clone uploads the reference recording at referencePath to /clone and
// returns the audio bytes.
func (c *Client) Clone(ctx context.Context, referencePath string, req SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	// #nosec G304 -- the reference path is chosen by the CLI user
	reference, err := os.Open(referencePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference audio: %w", err)
	}
	defer reference.Close()

	fields := map[string]string{
		fieldText:     req.Text,
		fieldLanguage: req.Language,
		fieldFormat:   req.Format,
	}

	return c.postForm(ctx, apiClone, fields, filepath.Base(referencePath), reference)
}

func (r SynthesisRequest) fields() map[string]string {
	return map[string]string{
		fieldText:       r.Text,
		fieldLanguage:   r.Language,
		fieldSpeaker:    r.Speaker,
		fieldSpeakerWav: r.SpeakerWav,
		fieldFormat:     r.Format,
	}
}

func (c *Client) postForm(
	ctx context.Context,
	path string,
	fields map[string]string,
	fileName string,
	file io.Reader,
) ([]byte, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	for name, value := range fields {
		if value == "" {
			continue
		}

		err := writer.WriteField(name, value)
		if err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	if file != nil {
		part, err := writer.CreateFormFile(fieldFile, fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}

		_, err = io.Copy(part, file)
		if err != nil {
			return nil, fmt.Errorf("failed to write form file: %w", err)
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtRequestFailed, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, "audio/") {
		return nil, fmt.Errorf("%w: "+errFmtUnexpectedFormat, ErrUnexpectedBody, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedBody, err)
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtRequestFailed, c.baseURL, err)
	}

	return resp, nil
}

// parseErrorResponse decodes the server's {"detail": ...} body, falling back
// to the raw body.
func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var errorResp errorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("%w: "+errFmtAPIError, ErrAPIStatus, resp.Status, errorResp.Detail)
	}

	return fmt.Errorf("%w: "+errFmtAPINonOKStatus, ErrAPIStatus, resp.Status, strings.TrimSpace(string(raw)))
}
