package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments groups the metrics recorded by the chat controller
type Instruments struct {
	generations  metric.Int64Counter
	tokens       metric.Int64Counter
	genDuration  metric.Float64Histogram
	loadDuration metric.Float64Histogram
	queueDepth   metric.Int64UpDownCounter
}

// NewInstruments creates the controller instruments on meter. A nil meter
// yields no-op instruments. Creation failures are logged and replaced by no-ops.
func NewInstruments(meter metric.Meter, logger *slog.Logger) *Instruments {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(ServiceName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback := noop.NewMeterProvider().Meter(ServiceName)

	in := &Instruments{}
	var err error

	if in.generations, err = meter.Int64Counter("localchat.generations",
		metric.WithDescription("Completed generate operations by status")); err != nil {
		logger.Warn("failed to create counter", "name", "localchat.generations", "error", err)
		in.generations, _ = fallback.Int64Counter("localchat.generations")
	}
	if in.tokens, err = meter.Int64Counter("localchat.tokens",
		metric.WithDescription("Prompt and completion tokens reported by the engine")); err != nil {
		logger.Warn("failed to create counter", "name", "localchat.tokens", "error", err)
		in.tokens, _ = fallback.Int64Counter("localchat.tokens")
	}
	if in.genDuration, err = meter.Float64Histogram("localchat.generation.duration",
		metric.WithDescription("Generation duration in milliseconds")); err != nil {
		logger.Warn("failed to create histogram", "name", "localchat.generation.duration", "error", err)
		in.genDuration, _ = fallback.Float64Histogram("localchat.generation.duration")
	}
	if in.loadDuration, err = meter.Float64Histogram("localchat.load.duration",
		metric.WithDescription("Model load duration in milliseconds")); err != nil {
		logger.Warn("failed to create histogram", "name", "localchat.load.duration", "error", err)
		in.loadDuration, _ = fallback.Float64Histogram("localchat.load.duration")
	}
	if in.queueDepth, err = meter.Int64UpDownCounter("localchat.queue.depth",
		metric.WithDescription("Operations queued or running against the engine")); err != nil {
		logger.Warn("failed to create counter", "name", "localchat.queue.depth", "error", err)
		in.queueDepth, _ = fallback.Int64UpDownCounter("localchat.queue.depth")
	}

	return in
}

// RecordGeneration records one settled generation
func (in *Instruments) RecordGeneration(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	in.generations.Add(ctx, 1, attrs)
	in.genDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordTokens records usage reported by the engine
func (in *Instruments) RecordTokens(ctx context.Context, prompt, completion int) {
	in.tokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("kind", "prompt")))
	in.tokens.Add(ctx, int64(completion), metric.WithAttributes(attribute.String("kind", "completion")))
}

// RecordLoad records a model load attempt
func (in *Instruments) RecordLoad(ctx context.Context, model string, ok bool, d time.Duration) {
	in.loadDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("model", model), attribute.Bool("ok", ok)))
}

// QueueDelta adjusts the queue depth gauge
func (in *Instruments) QueueDelta(ctx context.Context, delta int64) {
	in.queueDepth.Add(ctx, delta)
}
