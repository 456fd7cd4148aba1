// Package worker provides a NATS worker that synthesizes queued text jobs.
//
// A job is an events.TextProcessedEvent whose text lives in the object store
// under TextKey. The worker synthesizes it with the event's voice, uploads
// the WAV result and replies with an events.AudioChunkCreatedEvent.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultHandleTimeout = 150 * time.Second
	queueGroup           = "tts-api"
	audioKeyFormat       = "%s/page_%04d.wav"
)

// Log message formats.
const (
	logFmtListening      = "Listening for TTS jobs on %s (queue %s)"
	logFmtInvalidEvent   = "Failed to parse and validate event: %v"
	logFmtJobFailed      = "Failed to process TTS job for workflow %s: %v"
	logFmtReplyFailed    = "Failed to publish reply event for workflow %s: %v"
	logFmtJobDone        = "Workflow %s page %d/%d synthesized to %s"
	logFmtNoReplySubject = "Workflow %s has no reply subject, result stored at %s"
)

var (
	// ErrTextKeyEmpty indicates that the event does not reference any text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrWorkflowIDEmpty indicates that the event header has no workflow ID.
	ErrWorkflowIDEmpty = errors.New("workflow ID cannot be empty")
)

// Synthesizer turns a request into an audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, req core.SpeechRequest) (artifact.Artifact, error)
}

// Options configures a NatsWorker.
type Options struct {
	Subject string
	// Language is sent with every job; empty lets the synthesizer decide.
	Language string
	// HandleTimeout bounds one job from download to reply.
	HandleTimeout time.Duration
}

// NatsWorker listens for TTS jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	synthesizer    Synthesizer
	log            *logger.Logger
	opts           Options
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	synthesizer Synthesizer,
	opts Options,
	log *logger.Logger,
) *NatsWorker {
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		synthesizer:    synthesizer,
		log:            log,
		opts:           opts,
	}
}

// Run subscribes to the job subject and blocks until ctx is done, then
// drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.opts.Subject, queueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info(logFmtListening, w.opts.Subject, queueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.HandleTimeout)
	defer cancel()

	event, err := parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error(logFmtInvalidEvent, err)

		return
	}

	audioKey, processErr := w.processTTSJob(ctx, event)
	if processErr != nil {
		w.log.Error(logFmtJobFailed, event.Header.WorkflowID, processErr)

		return
	}

	w.log.Info(logFmtJobDone, event.Header.WorkflowID, event.PageNumber, event.TotalPages, audioKey)

	if msg.Reply == "" {
		w.log.Warn(logFmtNoReplySubject, event.Header.WorkflowID, audioKey)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     replyHeader(event.Header),
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, event.Header.WorkflowID, err)
	}
}

// processTTSJob downloads the job text, synthesizes it and uploads the audio.
func (w *NatsWorker) processTTSJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	result, err := w.synthesizer.Synthesize(ctx, core.SpeechRequest{
		Text:     string(textData),
		Language: w.opts.Language,
		Speaker:  event.Voice,
		Format:   string(audio.FormatWAV),
	})
	if err != nil {
		return "", fmt.Errorf("failed to process text to speech: %w", err)
	}

	// #nosec G304 -- path is generated by the artifact store
	audioData, err := os.ReadFile(result.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact %s: %w", result.Name, err)
	}

	audioKey := fmt.Sprintf(audioKeyFormat, event.Header.WorkflowID, event.PageNumber)

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

// replyHeader keeps the workflow identity of the job and stamps a new event.
func replyHeader(jobHeader events.EventHeader) events.EventHeader {
	header := jobHeader
	header.EventID = uuid.NewString()
	header.Timestamp = time.Now().UTC()

	return header
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	if event.Header.WorkflowID == "" {
		return nil, ErrWorkflowIDEmpty
	}

	return &event, nil
}
