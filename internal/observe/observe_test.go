package observe_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/observe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns Metrics backed by a ManualReader for inspection.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	return metrics, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}

	return nil
}

func TestRecordSynthesis(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)
	ctx := context.Background()

	metrics.RecordSynthesis(ctx, "coqui_xtts", observe.KindSpeech, observe.StatusOK, 2*time.Second)
	metrics.RecordSynthesis(ctx, "coqui_xtts", observe.KindClone, observe.StatusEngineFailed, time.Second)

	counter := findMetric(t, reader, "tts.synthesis.requests")
	require.NotNil(t, counter)

	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var total int64
	for _, point := range sum.DataPoints {
		total += point.Value
	}

	assert.Equal(t, int64(2), total)
	assert.Len(t, sum.DataPoints, 2, "kind and status split the series")

	histogram := findMetric(t, reader, "tts.synthesis.duration")
	require.NotNil(t, histogram)
	assert.Equal(t, "s", histogram.Unit)
}

func TestRecordArtifact(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)

	metrics.RecordArtifact(context.Background(), "mp3", 1024)
	metrics.RecordArtifact(context.Background(), "mp3", 2048)

	counter := findMetric(t, reader, "tts.artifact.bytes")
	require.NotNil(t, counter)

	sum, ok := counter.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3072), sum.DataPoints[0].Value)
}

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()

	var metrics *observe.Metrics

	assert.NotPanics(t, func() {
		metrics.RecordSynthesis(context.Background(), "e", observe.KindSpeech, observe.StatusOK, time.Second)
		metrics.RecordArtifact(context.Background(), "wav", 1)
		metrics.RecordRequest(context.Background(), http.MethodGet, "GET /health", http.StatusOK, time.Second)
	})
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	metrics, reader := newTestMetrics(t)

	log, err := logger.New(t.TempDir(), "observe-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	handler := observe.Middleware(metrics, log, true)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(observe.HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(observe.HeaderRequestID, "abc-123")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(observe.HeaderRequestID))

	histogram := findMetric(t, reader, "tts.http.request.duration")
	require.NotNil(t, histogram)

	data, ok := histogram.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, data.DataPoints, 2)
}

func TestProviderHandler(t *testing.T) {
	// NewProvider replaces the global meter provider.
	provider, err := observe.NewProvider()
	require.NoError(t, err)

	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	provider.Metrics().RecordSynthesis(context.Background(), "coqui_xtts", observe.KindSpeech, observe.StatusOK, time.Second)

	server := httptest.NewServer(provider.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL) //nolint:noctx // test request
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tts_synthesis_requests")
	assert.Contains(t, string(body), "go_goroutines")
}
