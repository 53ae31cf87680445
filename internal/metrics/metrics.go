package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName    = "lumos-voice"
	serviceVersion = "1.0.0"
)

// Config controls the OTLP metric exporter.
type Config struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Recorder exports pipeline metrics to an OTEL collector. A nil Recorder
// is valid and records nothing, so call sites never branch on whether
// metrics are configured.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	sessionsTotal  metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
	turnsTotal     metric.Int64Counter
	turnDuration   metric.Float64Histogram
	tokensTotal    metric.Int64Counter
	evictionsTotal metric.Int64Counter
}

// NewRecorder builds the exporter, or returns nil when disabled.
func NewRecorder(ctx context.Context, cfg Config) (*Recorder, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	sessionsTotal, err := meter.Int64Counter(
		"lumos_voice_sessions_total",
		metric.WithDescription("Voice sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sessions counter: %w", err)
	}

	activeSessions, err := meter.Int64UpDownCounter(
		"lumos_voice_sessions_active",
		metric.WithDescription("Currently connected voice sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating active sessions counter: %w", err)
	}

	turnsTotal, err := meter.Int64Counter(
		"lumos_voice_turns_total",
		metric.WithDescription("Conversational turns by outcome"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turns counter: %w", err)
	}

	turnDuration, err := meter.Float64Histogram(
		"lumos_voice_turn_duration_seconds",
		metric.WithDescription("Turn duration from transcript to completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating turn duration histogram: %w", err)
	}

	tokensTotal, err := meter.Int64Counter(
		"lumos_voice_reply_tokens_total",
		metric.WithDescription("Approximate tokens generated in replies"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}

	evictionsTotal, err := meter.Int64Counter(
		"lumos_voice_idle_evictions_total",
		metric.WithDescription("Sessions removed by the idle sweep"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating evictions counter: %w", err)
	}

	return &Recorder{
		provider:       provider,
		sessionsTotal:  sessionsTotal,
		activeSessions: activeSessions,
		turnsTotal:     turnsTotal,
		turnDuration:   turnDuration,
		tokensTotal:    tokensTotal,
		evictionsTotal: evictionsTotal,
	}, nil
}

// SessionStarted records one new session.
func (r *Recorder) SessionStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.sessionsTotal.Add(ctx, 1)
	r.activeSessions.Add(ctx, 1)
}

// SessionEnded records one disconnected session.
func (r *Recorder) SessionEnded(ctx context.Context) {
	if r == nil {
		return
	}
	r.activeSessions.Add(ctx, -1)
}

// TurnFinished records one finished turn with its outcome and duration.
func (r *Recorder) TurnFinished(ctx context.Context, outcome string, duration time.Duration, approxTokens int) {
	if r == nil {
		return
	}
	opt := metric.WithAttributes(attribute.String("outcome", outcome))
	r.turnsTotal.Add(ctx, 1, opt)
	r.turnDuration.Record(ctx, duration.Seconds(), opt)
	if approxTokens > 0 {
		r.tokensTotal.Add(ctx, int64(approxTokens))
	}
}

// IdleEvicted records one session removed by the idle sweep. Callers
// pair it with SessionEnded so the active gauge stays balanced.
func (r *Recorder) IdleEvicted(ctx context.Context) {
	if r == nil {
		return
	}
	r.evictionsTotal.Add(ctx, 1)
}

// Close flushes pending metrics and shuts the provider down.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
