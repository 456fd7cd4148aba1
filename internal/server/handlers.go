package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/core"
)

// Form fields.
const (
	fieldText       = "text"
	fieldLanguage   = "language"
	fieldSpeaker    = "speaker"
	fieldSpeakerWav = "speaker_wav"
	fieldFormat     = "output_format"
	fieldFile       = "file"
)

// Attachment base names of synthesis responses.
const (
	attachmentSpeech = "tts_output"
	attachmentClone  = "cloned_voice"
)

// Fixed messages for server-side failures.
const (
	msgSpeechFailed   = "Failed to generate speech"
	msgCloneFailed    = "Failed to clone voice"
	msgVoicesFailed   = "Failed to retrieve voices"
	msgUploadTooLarge = "Uploaded data exceeds the size limit"
	msgFileRequired   = "file is required"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	multipartMemory = 8 << 20
)

// Log message formats.
const (
	logFmtRequestFailed = "%s %s failed: %v"
	logFmtServeFailed   = "Failed to open artifact %s: %v"
)

// errMalformedForm is returned for request bodies that cannot be parsed.
var errMalformedForm = fmt.Errorf("%w: malformed form data", core.ErrInvalidRequest)

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
	Device string `json:"device"`
	Model  string `json:"model"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	res := healthResponse{
		Status: statusHealthy,
		Engine: s.opts.Info.Engine,
		Device: s.opts.Info.Device,
		Model:  s.opts.Info.Model,
	}

	status := http.StatusOK
	if !s.svc.Engine().Ready() {
		res.Status = statusUnhealthy
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.svc.Voices(r.Context())
	if err != nil {
		s.log.Error(logFmtRequestFailed, r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: msgVoicesFailed})

		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"voices": voices})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": s.svc.Languages()})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	err := s.parseForm(w, r)
	if err != nil {
		s.writeError(w, r, err, msgSpeechFailed)

		return
	}

	req := core.SpeechRequest{
		Text:          r.FormValue(fieldText),
		Language:      r.FormValue(fieldLanguage),
		Speaker:       r.FormValue(fieldSpeaker),
		ReferencePath: strings.TrimSpace(r.FormValue(fieldSpeakerWav)),
		Format:        r.FormValue(fieldFormat),
	}

	result, err := s.svc.Synthesize(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, msgSpeechFailed)

		return
	}

	s.serveArtifact(w, r, result, attachmentSpeech, msgSpeechFailed)
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	err := s.parseForm(w, r)
	if err != nil {
		s.writeError(w, r, err, msgCloneFailed)

		return
	}

	file, _, err := r.FormFile(fieldFile)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: msgFileRequired})

			return
		}

		s.writeError(w, r, err, msgCloneFailed)

		return
	}
	defer file.Close()

	req := core.SpeechRequest{
		Text:     r.FormValue(fieldText),
		Language: r.FormValue(fieldLanguage),
		Format:   r.FormValue(fieldFormat),
	}

	result, err := s.svc.Clone(r.Context(), file, req)
	if err != nil {
		s.writeError(w, r, err, msgCloneFailed)

		return
	}

	s.serveArtifact(w, r, result, attachmentClone, msgCloneFailed)
}

// parseForm reads a multipart body, or a urlencoded one when the request is
// not multipart, within the upload limit.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}

	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}

	if err != nil {
		return fmt.Errorf("%w: %w", errMalformedForm, err)
	}

	return nil
}

// serveArtifact streams the artifact as an attachment named base.<format>.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, result artifact.Artifact, base, fallback string) {
	// #nosec G304 -- path is generated by the artifact store
	file, err := os.Open(result.Path)
	if err != nil {
		s.log.Error(logFmtServeFailed, result.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: fallback})

		return
	}
	defer file.Close()

	filename := base + result.Format.Extension()

	w.Header().Set("Content-Type", result.Format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	http.ServeContent(w, r, filename, result.CreatedAt, file)
}

// writeError maps err to a status code. Request errors carry their own
// message; everything else gets fallback.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: msgUploadTooLarge})
	case errors.Is(err, core.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: requestErrorDetail(err)})
	default:
		s.log.Error(logFmtRequestFailed, r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: fallback})
	}
}

// requestErrorDetail drops the generic "invalid request: " prefix.
func requestErrorDetail(err error) string {
	return strings.TrimPrefix(err.Error(), core.ErrInvalidRequest.Error()+": ")
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, `{"detail":"encoding error"}`, http.StatusInternalServerError)
	}
}
