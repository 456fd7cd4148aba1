// Package worker_test tests the NATS worker for the TTS API.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/audio"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/book-expert/tts-api/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "tts.jobs"

var (
	errMockDownload   = errors.New("mock download error")
	errMockSynthesize = errors.New("mock synthesize error")
)

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	mu                 sync.Mutex
	downloadShouldFail bool
	downloadedKey      string
	uploadedKey        string
	uploadedData       []byte
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	m.downloadedKey = key

	return []byte("sample text"), nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadedKey = key
	m.uploadedData = data

	return nil
}

func (m *mockObjectStore) snapshot() (string, string, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.downloadedKey, m.uploadedKey, m.uploadedData
}

// mockSynthesizer writes a fixed audio file for every request.
type mockSynthesizer struct {
	mu         sync.Mutex
	dir        string
	shouldFail bool
	requests   []core.SpeechRequest
}

func (m *mockSynthesizer) Synthesize(_ context.Context, req core.SpeechRequest) (artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.shouldFail {
		return artifact.Artifact{}, errMockSynthesize
	}

	name := artifact.NewName(artifact.PrefixSpeech, audio.FormatWAV)
	path := filepath.Join(m.dir, name)

	err := os.WriteFile(path, []byte("sample audio"), 0o600)
	if err != nil {
		return artifact.Artifact{}, err
	}

	return artifact.Artifact{Name: name, Path: path, Format: audio.FormatWAV, Size: 12}, nil
}

func (m *mockSynthesizer) lastRequest() core.SpeechRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[len(m.requests)-1]
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

type testEnv struct {
	conn        *nats.Conn
	store       *mockObjectStore
	synthesizer *mockSynthesizer
	worker      *worker.NatsWorker
}

func setupTest(t *testing.T) testEnv {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	env := testEnv{
		conn:        createTestNatsClient(t),
		store:       &mockObjectStore{},
		synthesizer: &mockSynthesizer{dir: t.TempDir()},
	}

	env.worker = worker.NewNatsWorker(env.conn, env.store, env.synthesizer, worker.Options{
		Subject:       testSubject,
		Language:      "en",
		HandleTimeout: 5 * time.Second,
	}, testLogger)

	return env
}

// start runs the worker until the test ends and waits for its subscription.
func (env testEnv) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- env.worker.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	require.Eventually(t, func() bool {
		return env.conn.NumSubscriptions() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.conn.Flush())
}

func newTestEvent() *events.TextProcessedEvent {
	return &events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
		},
		TextKey:    "test-text-key",
		PageNumber: 3,
		TotalPages: 10,
		Voice:      "Ana Florence",
	}
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	env := setupTest(t)
	env.start(t)

	testEvent := newTestEvent()
	eventData, err := json.Marshal(testEvent)
	require.NoError(t, err)

	replyMsg, err := env.conn.Request(testSubject, eventData, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var replyEvent events.AudioChunkCreatedEvent

	require.NoError(t, json.Unmarshal(replyMsg.Data, &replyEvent))

	downloadedKey, uploadedKey, uploadedData := env.store.snapshot()
	assert.Equal(t, "test-text-key", downloadedKey)
	assert.Equal(t, testEvent.Header.WorkflowID+"/page_0003.wav", uploadedKey)
	assert.Equal(t, []byte("sample audio"), uploadedData)

	sent := env.synthesizer.lastRequest()
	assert.Equal(t, "sample text", sent.Text)
	assert.Equal(t, "Ana Florence", sent.Speaker)
	assert.Equal(t, "en", sent.Language)
	assert.Equal(t, "wav", sent.Format)

	assert.Equal(t, uploadedKey, replyEvent.AudioKey)
	assert.Equal(t, testEvent.PageNumber, replyEvent.PageNumber)
	assert.Equal(t, testEvent.TotalPages, replyEvent.TotalPages)
	assert.Equal(t, testEvent.Header.WorkflowID, replyEvent.Header.WorkflowID)
	assert.NotEqual(t, testEvent.Header.EventID, replyEvent.Header.EventID, "reply is a new event")
}

func TestMessageHandler_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(env testEnv)
		payload func() []byte
	}{
		{
			name:    "malformed event",
			prepare: func(testEnv) {},
			payload: func() []byte { return []byte("{not json") },
		},
		{
			name:    "missing text key",
			prepare: func(testEnv) {},
			payload: func() []byte {
				event := newTestEvent()
				event.TextKey = ""
				data, _ := json.Marshal(event)

				return data
			},
		},
		{
			name: "download failure",
			prepare: func(env testEnv) {
				env.store.mu.Lock()
				env.store.downloadShouldFail = true
				env.store.mu.Unlock()
			},
			payload: func() []byte {
				data, _ := json.Marshal(newTestEvent())

				return data
			},
		},
		{
			name: "synthesis failure",
			prepare: func(env testEnv) {
				env.synthesizer.mu.Lock()
				env.synthesizer.shouldFail = true
				env.synthesizer.mu.Unlock()
			},
			payload: func() []byte {
				data, _ := json.Marshal(newTestEvent())

				return data
			},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			env := setupTest(t)
			testCase.prepare(env)
			env.start(t)

			_, err := env.conn.Request(testSubject, testCase.payload(), 500*time.Millisecond)
			require.ErrorIs(t, err, nats.ErrTimeout, "failed jobs get no reply")

			_, uploadedKey, _ := env.store.snapshot()
			assert.Empty(t, uploadedKey)
		})
	}
}
