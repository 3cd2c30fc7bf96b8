package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/voxlabs/voxconsole/internal/bus"
	"github.com/voxlabs/voxconsole/internal/config"
	"github.com/voxlabs/voxconsole/internal/protocol"
)

// telemetry bundles the tracer/meter providers, the prometheus scrape
// handler and the turn instruments registered on the global meter.
type telemetry struct {
	shutdown       func(context.Context) error
	metricsHandler http.Handler
	turns          metric.Int64Counter
	turnDuration   metric.Float64Histogram
	turnTokens     metric.Int64Counter
	log            *slog.Logger
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.AppName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricsHandler, err := initMetrics(cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	tel := &telemetry{
		metricsHandler: metricsHandler,
		log:            logger.With(slog.String("component", "telemetry")),
		shutdown: func(ctx context.Context) error {
			var errs []error
			if err := meterProvider.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := traceShutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
	if err := tel.initTurnInstruments(); err != nil {
		return nil, err
	}
	return tel, nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return tp, tp.Shutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	return tp, tp.Shutdown, nil
}

func initMetrics(cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return meter, nil, nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.Handler(), nil
}

func (t *telemetry) initTurnInstruments() error {
	meter := otel.Meter("voxconsole/turn")
	var err error
	if t.turns, err = meter.Int64Counter("vox_turns_total",
		metric.WithDescription("Completed turns by terminal state")); err != nil {
		return err
	}
	if t.turnDuration, err = meter.Float64Histogram("vox_turn_duration_seconds",
		metric.WithDescription("Wall time from submission to terminal state")); err != nil {
		return err
	}
	if t.turnTokens, err = meter.Int64Counter("vox_turn_tokens_total",
		metric.WithDescription("Prompt and completion tokens by direction")); err != nil {
		return err
	}
	return nil
}

// attachTurnMetrics records turn outcomes from the bus side channel.
func (t *telemetry) attachTurnMetrics(busClient *bus.Client) error {
	_, err := busClient.Subscribe(protocol.SubjectTurnFinished, func(_ string, data []byte) {
		var finished protocol.TurnFinished
		if err := json.Unmarshal(data, &finished); err != nil {
			t.log.Debug("malformed turn.finished payload", slog.String("error", err.Error()))
			return
		}
		ctx := context.Background()
		state := attribute.String("state", finished.State)
		t.turns.Add(ctx, 1, metric.WithAttributes(state))
		t.turnDuration.Record(ctx, float64(finished.Duration)/float64(time.Second), metric.WithAttributes(state))
		t.turnTokens.Add(ctx, int64(finished.PromptTokens), metric.WithAttributes(attribute.String("direction", "prompt")))
		t.turnTokens.Add(ctx, int64(finished.CompletionTokens), metric.WithAttributes(attribute.String("direction", "completion")))
	})
	return err
}
