// Package observe provides OpenTelemetry metrics for the recognition
// pipelines.
//
// Instruments are created by [NewMetrics] from any [metric.MeterProvider];
// tests pass a provider backed by a ManualReader, the CLI installs a
// Prometheus-backed provider with [InitProvider]. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Grovety/lilygo-s3-apps"

// Pipeline names used as the "pipeline" attribute.
const (
	PipelineKWS = "kws"
	PipelineSED = "sed"
)

// Metrics holds the metric instruments of the pipelines. All fields are safe
// for concurrent use.
type Metrics struct {
	// FramesRead counts audio frames pulled from the frame source.
	FramesRead metric.Int64Counter

	// ReadTimeouts counts frame reads that timed out.
	ReadTimeouts metric.Int64Counter

	// FramesDropped counts frames lost to full buffers. Attribute "stage".
	FramesDropped metric.Int64Counter

	// WordsSegmented counts completed word descriptors.
	WordsSegmented metric.Int64Counter

	// WordsDropped counts word descriptors dropped on a full result slot.
	WordsDropped metric.Int64Counter

	// InferenceDuration tracks classifier latency.
	InferenceDuration metric.Float64Histogram

	// InferenceErrors counts failed classifier invocations.
	InferenceErrors metric.Int64Counter

	// Detections counts accepted classifications. Attribute "label".
	Detections metric.Int64Counter

	// Cycles counts completed sliding-window cycles. Attribute "outcome" is
	// "delivered" or "skipped".
	Cycles metric.Int64Counter
}

var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesRead, err = m.Int64Counter("voicerelay.frames.read",
		metric.WithDescription("Audio frames read from the frame source."),
	); err != nil {
		return nil, err
	}
	if met.ReadTimeouts, err = m.Int64Counter("voicerelay.frames.read_timeouts",
		metric.WithDescription("Frame reads that timed out."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicerelay.frames.dropped",
		metric.WithDescription("Frames lost to full buffers by stage."),
	); err != nil {
		return nil, err
	}
	if met.WordsSegmented, err = m.Int64Counter("voicerelay.words.segmented",
		metric.WithDescription("Words bounded by the voice activity segmenter."),
	); err != nil {
		return nil, err
	}
	if met.WordsDropped, err = m.Int64Counter("voicerelay.words.dropped",
		metric.WithDescription("Words dropped because the result slot was full."),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("voicerelay.inference.duration",
		metric.WithDescription("Classifier latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("voicerelay.inference.errors",
		metric.WithDescription("Failed classifier invocations."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("voicerelay.detections",
		metric.WithDescription("Accepted classifications by label."),
	); err != nil {
		return nil, err
	}
	if met.Cycles, err = m.Int64Counter("voicerelay.sed.cycles",
		metric.WithDescription("Sliding-window cycles by outcome."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func pipelineAttr(p string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("pipeline", p))
}

// FrameRead records one frame read by pipeline p.
func (m *Metrics) FrameRead(ctx context.Context, p string) {
	if m == nil {
		return
	}
	m.FramesRead.Add(ctx, 1, pipelineAttr(p))
}

// ReadTimeout records one timed-out frame read.
func (m *Metrics) ReadTimeout(ctx context.Context, p string) {
	if m == nil {
		return
	}
	m.ReadTimeouts.Add(ctx, 1, pipelineAttr(p))
}

// FrameDropped records n frames lost at stage.
func (m *Metrics) FrameDropped(ctx context.Context, stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}

// WordSegmented records a completed word and whether it was published.
func (m *Metrics) WordSegmented(ctx context.Context, published bool) {
	if m == nil {
		return
	}
	m.WordsSegmented.Add(ctx, 1)
	if !published {
		m.WordsDropped.Add(ctx, 1)
	}
}

// Inference records one classifier call of pipeline p.
func (m *Metrics) Inference(ctx context.Context, p string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.InferenceDuration.Record(ctx, d.Seconds(), pipelineAttr(p))
	if err != nil {
		m.InferenceErrors.Add(ctx, 1, pipelineAttr(p))
	}
}

// Detection records an accepted classification.
func (m *Metrics) Detection(ctx context.Context, p, label string) {
	if m == nil {
		return
	}
	m.Detections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", p),
		attribute.String("label", label),
	))
}

// Cycle records a sliding-window cycle that was delivered or skipped.
func (m *Metrics) Cycle(ctx context.Context, delivered bool) {
	if m == nil {
		return
	}
	outcome := "skipped"
	if delivered {
		outcome = "delivered"
	}
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
