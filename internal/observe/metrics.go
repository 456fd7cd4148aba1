// Package observe provides the service's metrics and HTTP request middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// a Prometheus exporter bridge (see [NewProvider]). Tests should build
// [Metrics] from their own [metric.MeterProvider].
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name of all service metrics.
const meterName = "github.com/book-expert/tts-api"

// Synthesis kinds and outcomes used as metric attributes.
const (
	KindSpeech = "speech"
	KindClone  = "clone"

	StatusOK           = "ok"
	StatusClientError  = "client_error"
	StatusEngineFailed = "error"
)

// Metrics holds the metric instruments of the service. All fields are safe
// for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	// HTTPRequestDuration tracks request processing time by method, route and status.
	HTTPRequestDuration metric.Float64Histogram

	// SynthesisDuration tracks end-to-end synthesis latency by engine and kind.
	SynthesisDuration metric.Float64Histogram

	// SynthesisRequests counts synthesis calls by engine, kind and status.
	SynthesisRequests metric.Int64Counter

	// ArtifactBytes counts bytes written to the output directory by format.
	ArtifactBytes metric.Int64Counter
}

// synthesisBuckets are histogram bucket boundaries in seconds. Model
// inference on CPU regularly takes tens of seconds.
var synthesisBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	var err error

	met.HTTPRequestDuration, err = m.Float64Histogram("tts.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	met.SynthesisDuration, err = m.Float64Histogram("tts.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis including format conversion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	)
	if err != nil {
		return nil, err
	}

	met.SynthesisRequests, err = m.Int64Counter("tts.synthesis.requests",
		metric.WithDescription("Total synthesis calls by engine, kind and status."),
	)
	if err != nil {
		return nil, err
	}

	met.ArtifactBytes, err = m.Int64Counter("tts.artifact.bytes",
		metric.WithDescription("Bytes of audio written to the output directory by format."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return met, nil
}

// RecordSynthesis records one synthesis call.
func (m *Metrics) RecordSynthesis(ctx context.Context, engine, kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)

	m.SynthesisRequests.Add(ctx, 1, attrs)
	m.SynthesisDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordArtifact records the size of a written artifact.
func (m *Metrics) RecordArtifact(ctx context.Context, format string, size int64) {
	if m == nil {
		return
	}

	m.ArtifactBytes.Add(ctx, size, metric.WithAttributes(attribute.String("format", format)))
}

// RecordRequest records one handled HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
}
