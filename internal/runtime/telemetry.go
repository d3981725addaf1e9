package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// recognitionBuckets are histogram bounds in milliseconds, from a short
// partial window on a GPU up to a long utterance on CPU.
var recognitionBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// sessionKey is dropped from exported metrics: every stream opens a new
// session, so per-session series would grow without bound. Spans keep it.
const sessionKey = attribute.Key("session_id")

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter could not be
// created.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res := telemetryResource(cfg)

	exporter, kind, err := spanExporter(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	var handler http.Handler
	var meterProvider *sdkmetric.MeterProvider
	if promExporter, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics are not exported", slog.String("error", err.Error()))
		meterProvider = newMeterProvider(res, nil)
	} else {
		meterProvider = newMeterProvider(res, promExporter)
		handler = promhttp.Handler()
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	logger.Info("telemetry initialized",
		slog.String("span_exporter", kind),
		slog.Bool("prometheus", handler != nil),
		slog.String("prometheus_bind", cfg.Telemetry.PrometheusBind))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, handler, nil
}

// telemetryResource identifies this node and the recognition stack it runs,
// so dashboards can split latency by recognizer and VAD mode.
func telemetryResource(cfg config.Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.Node.ID),
		attribute.String("deployment.environment", cfg.Environment),
	}
	stack := capabilityAttributes(cfg.ASR)
	for _, k := range slices.Sorted(maps.Keys(stack)) {
		if stack[k] != "" {
			attrs = append(attrs, attribute.String("loqa.asr."+k, stack[k]))
		}
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// spanExporter ships spans over OTLP when an endpoint is configured and to
// stdout otherwise. Stdout spans are only written at debug level.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, "otlp", err
	}

	var writer io.Writer = io.Discard
	if strings.EqualFold(cfg.LogLevel, "debug") {
		writer = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	return exporter, "stdout", err
}

// newMeterProvider applies the recognition views. A nil reader yields a
// provider that aggregates nothing.
func newMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	for _, v := range asrViews() {
		opts = append(opts, sdkmetric.WithView(v))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

func asrViews() []sdkmetric.View {
	dropSession := attribute.NewDenyKeysFilter(sessionKey)
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loqa.asr.recognition.duration", Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{
				Aggregation:     sdkmetric.AggregationExplicitBucketHistogram{Boundaries: recognitionBuckets},
				AttributeFilter: dropSession,
			},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loqa.asr.*", Kind: sdkmetric.InstrumentKindCounter},
			sdkmetric.Stream{AttributeFilter: dropSession},
		),
	}
}
