package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted by New.
const (
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterOTLPHTTP   = "otlptracehttp"
)

const (
	serviceName     = "corechain"
	metricNamespace = "cc"
	shutdownTimeout = 5 * time.Second
)

/*
Observability is handed to the node components, it gives them the logger and
the meter and tracer providers. Metrics and traces are no-op unless an
exporter is selected.
*/
type Observability struct {
	log  *slog.Logger
	mp   metric.MeterProvider
	tp   trace.TracerProvider
	prom *prometheus.Registry

	shutdown []func(context.Context) error
}

/*
New sets up the exporters named by "metrics" ("stdout" or "prometheus") and
"traces" ("stdout" or "otlptracehttp"). Empty name disables the signal.
*/
func New(metrics, traces string, log *slog.Logger) (*Observability, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("creating OTEL resource: %w", err)
	}

	o := &Observability{
		log: log,
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
	}

	if metrics != "" {
		reader, err := o.metricReader(metrics)
		if err != nil {
			return nil, fmt.Errorf("initialize meter provider: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
			sdkmetric.WithView(dropTxHash),
		)
		o.mp = mp
		o.shutdown = append(o.shutdown, mp.Shutdown)
	}

	if traces != "" {
		exp, err := spanExporter(traces)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("initialize tracer provider: %w", err), o.Shutdown())
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(exp))
		o.tp = tp
		o.shutdown = append(o.shutdown, tp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return o, nil
}

func (o *Observability) Logger() *slog.Logger { return o.log }

func (o *Observability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *Observability) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, opts...)
}

func (o *Observability) TracerProvider() trace.TracerProvider { return o.tp }

// PrometheusRegisterer is nil unless metrics are exported to Prometheus.
func (o *Observability) PrometheusRegisterer() prometheus.Registerer {
	if o.prom == nil {
		return nil
	}
	return o.prom
}

// MetricsHandler serves the Prometheus scrape endpoint, nil unless metrics
// are exported to Prometheus.
func (o *Observability) MetricsHandler() http.Handler {
	if o.prom == nil {
		return nil
	}
	return promhttp.HandlerFor(o.prom, promhttp.HandlerOpts{MaxRequestsInFlight: 1})
}

// Shutdown flushes and stops the exporters.
func (o *Observability) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, fn := range o.shutdown {
		errs = append(errs, fn(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("observability shutdown: %w", err)
	}
	return nil
}

func (o *Observability) metricReader(exporter string) (sdkmetric.Reader, error) {
	switch exporter {
	case ExporterStdout:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case ExporterPrometheus:
		reg := prometheus.NewRegistry()
		reader, err := promexp.New(promexp.WithRegisterer(reg), promexp.WithNamespace(metricNamespace))
		if err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		o.prom = reg
		return reader, nil
	default:
		return nil, fmt.Errorf("unsupported metrics exporter %q", exporter)
	}
}

func spanExporter(exporter string) (exp sdktrace.SpanExporter, err error) {
	switch exporter {
	case ExporterStdout:
		exp, err = stdouttrace.New()
	case ExporterOTLPHTTP:
		exp, err = otlptracehttp.New(context.Background())
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %q exporter: %w", exporter, err)
	}
	return exp, nil
}

// dropTxHash keeps transaction hashes out of metric streams, they are span
// attributes only.
func dropTxHash(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
	return sdkmetric.Stream{
		Name:        inst.Name,
		Description: inst.Description,
		Unit:        inst.Unit,
		AttributeFilter: func(kv attribute.KeyValue) bool {
			return kv.Key != TxHashKey
		},
	}, true
}
